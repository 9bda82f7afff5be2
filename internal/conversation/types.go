// Package conversation defines conversation domain types and the ownership
// state machine between the AI responder and human agents.
package conversation

import (
	"context"
	"errors"
	"time"
)

// Status is the ownership state of a conversation.
type Status string

// Conversation status constants.
const (
	StatusWaiting       Status = "waiting"
	StatusAIActive      Status = "ai_active"
	StatusAgentAssigned Status = "agent_assigned"
	StatusResolved      Status = "resolved"
)

// OwnerAI labels the AI responder in transfer history entries.
const OwnerAI = "ai"

var (
	// ErrNotFound indicates no conversation exists for the phone number.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidTransition indicates the event is not defined for the current status.
	ErrInvalidTransition = errors.New("conversation transition not allowed")
)

// TransferEntry is one append-only record of an ownership change.
type TransferEntry struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	AgentID   string    `json:"agent_id,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the per-customer aggregate keyed by phone number.
type Conversation struct {
	Phone                string          `json:"phone"`
	DisplayName          string          `json:"display_name,omitempty"`
	AvatarURL            string          `json:"avatar_url,omitempty"`
	LastMessage          string          `json:"last_message,omitempty"`
	LastActivityAt       time.Time       `json:"last_activity_at"`
	UnreadCount          int             `json:"unread_count"`
	Status               Status          `json:"status"`
	AIEnabled            bool            `json:"ai_enabled"`
	AIPaused             bool            `json:"ai_paused"`
	AssignedAgentID      string          `json:"assigned_agent_id,omitempty"`
	AssignedAgentName    string          `json:"assigned_agent_name,omitempty"`
	AssignedDepartmentID string          `json:"assigned_department_id,omitempty"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy           string          `json:"resolved_by,omitempty"`
	TransferHistory      []TransferEntry `json:"transfer_history"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// AIResponds reports whether the AI responder owns the conversation.
func (c Conversation) AIResponds() bool {
	return c.Status == StatusAIActive && c.AIEnabled && !c.AIPaused
}

// Patch is a merge-style partial update. Nil fields are left untouched.
// UnreadDelta is added atomically; AppendTransfer is appended, never replaced.
type Patch struct {
	DisplayName          *string
	AvatarURL            *string
	LastMessage          *string
	LastActivityAt       *time.Time
	UnreadDelta          int
	ResetUnread          bool
	Status               *Status
	AIEnabled            *bool
	AIPaused             *bool
	AssignedAgentID      *string
	AssignedAgentName    *string
	AssignedDepartmentID *string
	ResolvedAt           **time.Time
	ResolvedBy           *string
	AppendTransfer       *TransferEntry
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p == Patch{}
}

// ApplyTo returns c with the patch merged in. Stores use it to keep the
// in-memory and SQL merge semantics identical.
func (p Patch) ApplyTo(c Conversation) Conversation {
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.AvatarURL != nil {
		c.AvatarURL = *p.AvatarURL
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastActivityAt != nil {
		c.LastActivityAt = *p.LastActivityAt
	}
	if p.ResetUnread {
		c.UnreadCount = 0
	}
	c.UnreadCount += p.UnreadDelta
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.AIEnabled != nil {
		c.AIEnabled = *p.AIEnabled
	}
	if p.AIPaused != nil {
		c.AIPaused = *p.AIPaused
	}
	if p.AssignedAgentID != nil {
		c.AssignedAgentID = *p.AssignedAgentID
	}
	if p.AssignedAgentName != nil {
		c.AssignedAgentName = *p.AssignedAgentName
	}
	if p.AssignedDepartmentID != nil {
		c.AssignedDepartmentID = *p.AssignedDepartmentID
	}
	if p.ResolvedAt != nil {
		c.ResolvedAt = *p.ResolvedAt
	}
	if p.ResolvedBy != nil {
		c.ResolvedBy = *p.ResolvedBy
	}
	if p.AppendTransfer != nil {
		history := make([]TransferEntry, 0, len(c.TransferHistory)+1)
		history = append(history, c.TransferHistory...)
		c.TransferHistory = append(history, *p.AppendTransfer)
	}
	return c
}

// ListFilter narrows ListConversations.
type ListFilter struct {
	Status Status
	Limit  int
}

// Repository is the durable conversation store.
type Repository interface {
	GetConversation(ctx context.Context, phone string) (Conversation, error)
	// CreateConversation inserts c unless a conversation with the same phone
	// exists. It reports whether the row was created.
	CreateConversation(ctx context.Context, c Conversation) (bool, error)
	UpdateConversation(ctx context.Context, phone string, patch Patch) (Conversation, error)
	ListConversations(ctx context.Context, filter ListFilter) ([]Conversation, error)
}
