// Package channel dispatches panel and AI messages to the WhatsApp provider
// with write-ahead persistence.
package channel

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/memohai/zapdesk/internal/channel/adapters/zapi"
	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/message/linker"
)

var (
	// ErrValidation marks a request rejected before any side effect.
	ErrValidation = errors.New("invalid outbound request")
	// ErrDispatchFailed marks a provider failure. The row is kept as failed.
	ErrDispatchFailed = errors.New("provider dispatch failed")
	// ErrNotAllowed marks an action not permitted on the target message.
	ErrNotAllowed = errors.New("action not allowed on message")
)

// Sender is the provider send surface.
type Sender interface {
	SendText(ctx context.Context, phone, text, replyTo string) (zapi.SendResult, error)
	EditText(ctx context.Context, phone, providerID, text string) (zapi.SendResult, error)
	SendMedia(ctx context.Context, req zapi.MediaRequest) (zapi.SendResult, error)
	SendReaction(ctx context.Context, phone, providerID, emoji string) (zapi.SendResult, error)
	RemoveReaction(ctx context.Context, phone, providerID string) (zapi.SendResult, error)
	DeleteMessage(ctx context.Context, phone, providerID string, owner bool) error
}

// MessageStore is the subset of the message service used for dispatch.
type MessageStore interface {
	Persist(ctx context.Context, m message.Message) (message.Message, bool, error)
	Get(ctx context.Context, phone, id string) (message.Message, error)
	Update(ctx context.Context, phone, id string, patch message.Patch) (message.Message, error)
	Edit(ctx context.Context, phone, id, content string) (message.Message, error)
	SoftDelete(ctx context.Context, phone, id string) (message.Message, error)
}

// ConversationRecorder updates the conversation after an outbound attempt.
type ConversationRecorder interface {
	Get(ctx context.Context, phone string) (conversation.Conversation, error)
	RecordOutbound(ctx context.Context, phone, preview string, at time.Time, resetUnread bool) (conversation.Conversation, error)
}

// ReplyResolver builds the backlink for a quoted local message.
type ReplyResolver interface {
	ResolveLocalReply(ctx context.Context, phone, id string) (*message.ReplyRef, error)
}

// ReactionApplier records a reaction locally.
type ReactionApplier interface {
	ApplyReaction(ctx context.Context, ev linker.ReactionEvent) (linker.Result, error)
}

// MediaChecker checks that an outbound media URL is durable and reachable.
type MediaChecker interface {
	CheckReachable(ctx context.Context, rawURL string) error
}

// Author identifies who produces an outbound message.
type Author struct {
	Role      message.Role
	AgentID   string
	AgentName string
}

// AIAuthor is the author used for AI replies.
var AIAuthor = Author{Role: message.RoleAI}

func (a Author) normalized() Author {
	if a.Role != message.RoleAI {
		a.Role = message.RoleAgent
	}
	a.AgentID = strings.TrimSpace(a.AgentID)
	a.AgentName = strings.TrimSpace(a.AgentName)
	return a
}

// TextRequest is an outbound text send.
type TextRequest struct {
	Phone string
	Text  string
	// ReplyTo is the local id of the quoted message.
	ReplyTo string
	Author  Author
}

// MediaRequest is an outbound media send. URL must already be durable.
type MediaRequest struct {
	Phone    string
	Type     message.MediaType
	URL      string
	Caption  string
	FileName string
	ReplyTo  string
	Author   Author
}
