package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventKind names a state machine input.
type EventKind string

// State machine inputs.
const (
	EventInbound    EventKind = "inbound"
	EventAssume     EventKind = "assume"
	EventResolve    EventKind = "resolve"
	EventReturnToAI EventKind = "return_to_ai"
)

// OwnerQueue labels an unowned (waiting) conversation in transfer history.
const OwnerQueue = "queue"

// ErrAgentRequired indicates an agent action without an agent identity.
var ErrAgentRequired = errors.New("agent id is required")

// Event is one input to Apply.
type Event struct {
	Kind         EventKind
	AgentID      string
	AgentName    string
	DepartmentID string
	Reason       string
	// AIAvailable is consulted by inbound events on waiting conversations:
	// the AI takes over only when it is globally enabled.
	AIAvailable bool
}

// Apply computes the patch produced by ev on c. An event that is not defined
// for the current status returns ErrInvalidTransition and an empty patch.
// An inbound message that does not change ownership returns an empty patch
// and no error.
func Apply(c Conversation, ev Event, now time.Time) (Patch, error) {
	switch ev.Kind {
	case EventInbound:
		return applyInbound(c, ev, now), nil
	case EventAssume:
		if c.Status != StatusAIActive && c.Status != StatusWaiting {
			return Patch{}, invalid(c, ev)
		}
		agentID := strings.TrimSpace(ev.AgentID)
		if agentID == "" {
			return Patch{}, ErrAgentRequired
		}
		from := OwnerAI
		if c.Status == StatusWaiting {
			from = OwnerQueue
		}
		p := Patch{
			Status:            statusPtr(StatusAgentAssigned),
			AIPaused:          boolPtr(true),
			AssignedAgentID:   strPtr(agentID),
			AssignedAgentName: strPtr(strings.TrimSpace(ev.AgentName)),
			AppendTransfer: &TransferEntry{
				From:      from,
				To:        agentID,
				AgentID:   agentID,
				AgentName: strings.TrimSpace(ev.AgentName),
				Reason:    strings.TrimSpace(ev.Reason),
				Timestamp: now,
			},
		}
		if dept := strings.TrimSpace(ev.DepartmentID); dept != "" {
			p.AssignedDepartmentID = strPtr(dept)
		}
		return p, nil
	case EventResolve:
		if c.Status != StatusAgentAssigned {
			return Patch{}, invalid(c, ev)
		}
		resolvedBy := firstNonEmpty(ev.AgentName, ev.AgentID, c.AssignedAgentName, c.AssignedAgentID)
		resolvedAt := now
		return Patch{
			Status:     statusPtr(StatusResolved),
			AIPaused:   boolPtr(true),
			ResolvedAt: timePtrPtr(&resolvedAt),
			ResolvedBy: strPtr(resolvedBy),
		}, nil
	case EventReturnToAI:
		if c.Status != StatusAgentAssigned && c.Status != StatusResolved {
			return Patch{}, invalid(c, ev)
		}
		p := toAI(c, now)
		if p.AppendTransfer != nil {
			p.AppendTransfer.AgentID = strings.TrimSpace(ev.AgentID)
			p.AppendTransfer.AgentName = strings.TrimSpace(ev.AgentName)
			p.AppendTransfer.Reason = strings.TrimSpace(ev.Reason)
		}
		return p, nil
	default:
		return Patch{}, invalid(c, ev)
	}
}

func applyInbound(c Conversation, ev Event, now time.Time) Patch {
	switch c.Status {
	case StatusResolved:
		p := toAI(c, now)
		if p.AppendTransfer != nil {
			p.AppendTransfer.Reason = "reopened by customer message"
		}
		return p
	case StatusWaiting:
		if !ev.AIAvailable {
			return Patch{}
		}
		return Patch{
			Status:    statusPtr(StatusAIActive),
			AIEnabled: boolPtr(true),
			AIPaused:  boolPtr(false),
		}
	default:
		return Patch{}
	}
}

// toAI hands the conversation back to the AI responder. The transfer entry is
// only added when an agent loses ownership.
func toAI(c Conversation, now time.Time) Patch {
	var nilTime *time.Time
	p := Patch{
		Status:     statusPtr(StatusAIActive),
		AIEnabled:  boolPtr(true),
		AIPaused:   boolPtr(false),
		ResolvedAt: &nilTime,
		ResolvedBy: strPtr(""),
	}
	if c.AssignedAgentID != "" {
		p.AssignedAgentID = strPtr("")
		p.AssignedAgentName = strPtr("")
		p.AppendTransfer = &TransferEntry{
			From:      c.AssignedAgentID,
			To:        OwnerAI,
			Timestamp: now,
		}
	}
	return p
}

// Validate checks that status and the AI flags agree.
func Validate(c Conversation) error {
	switch c.Status {
	case StatusAIActive:
		if !c.AIEnabled || c.AIPaused {
			return fmt.Errorf("ai_active requires ai enabled and not paused")
		}
	case StatusAgentAssigned, StatusResolved:
		if !c.AIPaused {
			return fmt.Errorf("%s requires ai paused", c.Status)
		}
	case StatusWaiting:
		if c.AIPaused {
			return fmt.Errorf("waiting requires ai not paused")
		}
	default:
		return fmt.Errorf("unknown status %q", c.Status)
	}
	if c.Status == StatusResolved && c.ResolvedAt == nil {
		return fmt.Errorf("resolved requires resolved_at")
	}
	return nil
}

// ValidStatus reports whether s names a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusWaiting, StatusAIActive, StatusAgentAssigned, StatusResolved:
		return true
	}
	return false
}

func invalid(c Conversation, ev Event) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Kind, c.Status)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func statusPtr(s Status) *Status { return &s }

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }

func timePtrPtr(t *time.Time) **time.Time { return &t }
