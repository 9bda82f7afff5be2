package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/zapdesk/internal/message/event"
)

// Activity describes a message that touches a conversation from the
// provider side: a customer message or a message typed on the linked device.
type Activity struct {
	Phone       string
	DisplayName string
	AvatarURL   string
	Preview     string
	At          time.Time
	// FromCustomer marks an inbound customer message. Only those increment
	// the unread counter and drive the inbound state transition.
	FromCustomer bool
	AIAvailable  bool
}

// Service loads, transitions, and persists conversations.
type Service struct {
	repo      Repository
	logger    *slog.Logger
	publisher event.Publisher
	now       func() time.Time
}

// NewService creates a conversation service.
func NewService(log *slog.Logger, repo Repository, publishers ...event.Publisher) *Service {
	if log == nil {
		log = slog.Default()
	}
	var publisher event.Publisher
	if len(publishers) > 0 {
		publisher = publishers[0]
	}
	return &Service{
		repo:      repo,
		logger:    log.With(slog.String("service", "conversation")),
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the conversation for phone.
func (s *Service) Get(ctx context.Context, phone string) (Conversation, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Conversation{}, ErrNotFound
	}
	return s.repo.GetConversation(ctx, phone)
}

// List returns conversations ordered by last activity, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Conversation, error) {
	if filter.Status != "" && !ValidStatus(filter.Status) {
		return nil, fmt.Errorf("unknown status %q", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListConversations(ctx, filter)
}

// RecordActivity creates the conversation on first contact and merges the
// preview, activity time, unread counter, and inbound transition into it.
func (s *Service) RecordActivity(ctx context.Context, in Activity) (Conversation, error) {
	phone := strings.TrimSpace(in.Phone)
	if phone == "" {
		return Conversation{}, fmt.Errorf("phone is required")
	}
	at := in.At
	if at.IsZero() {
		at = s.now()
	}

	current, err := s.Ensure(ctx, in)
	if err != nil {
		return Conversation{}, err
	}

	var patch Patch
	if in.FromCustomer {
		patch, err = Apply(current, Event{Kind: EventInbound, AIAvailable: in.AIAvailable}, s.now())
		if err != nil {
			return Conversation{}, err
		}
		patch.UnreadDelta = 1
	}
	if in.Preview != "" {
		preview := in.Preview
		patch.LastMessage = &preview
	}
	patch.LastActivityAt = &at
	if name := strings.TrimSpace(in.DisplayName); name != "" && name != current.DisplayName {
		patch.DisplayName = &name
	}
	if avatar := strings.TrimSpace(in.AvatarURL); avatar != "" && avatar != current.AvatarURL {
		patch.AvatarURL = &avatar
	}

	updated, err := s.repo.UpdateConversation(ctx, phone, patch)
	if err != nil {
		return Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	if current.Status != updated.Status {
		s.logger.Info("conversation status changed",
			slog.String("phone", phone),
			slog.String("from", string(current.Status)),
			slog.String("to", string(updated.Status)),
		)
	}
	s.publish(updated)
	return updated, nil
}

// Ensure returns the conversation for in.Phone, creating it as waiting on
// first contact. It never changes the status or the unread counter.
func (s *Service) Ensure(ctx context.Context, in Activity) (Conversation, error) {
	phone := strings.TrimSpace(in.Phone)
	if phone == "" {
		return Conversation{}, fmt.Errorf("phone is required")
	}
	current, err := s.repo.GetConversation(ctx, phone)
	if !errors.Is(err, ErrNotFound) {
		return current, err
	}
	at := in.At
	if at.IsZero() {
		at = s.now()
	}
	created, err := s.create(ctx, phone, in, at)
	if err != nil {
		return Conversation{}, err
	}
	s.publish(created)
	return created, nil
}

func (s *Service) create(ctx context.Context, phone string, in Activity, at time.Time) (Conversation, error) {
	fresh := Conversation{
		Phone:           phone,
		DisplayName:     strings.TrimSpace(in.DisplayName),
		AvatarURL:       strings.TrimSpace(in.AvatarURL),
		LastActivityAt:  at,
		Status:          StatusWaiting,
		AIEnabled:       true,
		TransferHistory: []TransferEntry{},
		CreatedAt:       s.now(),
		UpdatedAt:       s.now(),
	}
	created, err := s.repo.CreateConversation(ctx, fresh)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if created {
		s.logger.Info("conversation created", slog.String("phone", phone))
		return fresh, nil
	}
	// Lost the race to a concurrent delivery: continue with the stored row.
	return s.repo.GetConversation(ctx, phone)
}

// RecordOutbound merges an outbound message into an existing conversation.
// resetUnread is set for sends from the panel.
func (s *Service) RecordOutbound(ctx context.Context, phone, preview string, at time.Time, resetUnread bool) (Conversation, error) {
	if at.IsZero() {
		at = s.now()
	}
	patch := Patch{LastActivityAt: &at, ResetUnread: resetUnread}
	if preview != "" {
		patch.LastMessage = &preview
	}
	updated, err := s.repo.UpdateConversation(ctx, strings.TrimSpace(phone), patch)
	if err != nil {
		return Conversation{}, err
	}
	s.publish(updated)
	return updated, nil
}

// MarkRead resets the unread counter.
func (s *Service) MarkRead(ctx context.Context, phone string) (Conversation, error) {
	updated, err := s.repo.UpdateConversation(ctx, strings.TrimSpace(phone), Patch{ResetUnread: true})
	if err != nil {
		return Conversation{}, err
	}
	s.publish(updated)
	return updated, nil
}

// Assume hands the conversation to an agent.
func (s *Service) Assume(ctx context.Context, phone string, ev Event) (Conversation, error) {
	ev.Kind = EventAssume
	return s.Transition(ctx, phone, ev)
}

// Resolve marks an agent-owned conversation as resolved.
func (s *Service) Resolve(ctx context.Context, phone string, ev Event) (Conversation, error) {
	ev.Kind = EventResolve
	return s.Transition(ctx, phone, ev)
}

// ReturnToAI hands an agent-owned or resolved conversation back to the AI.
func (s *Service) ReturnToAI(ctx context.Context, phone string, ev Event) (Conversation, error) {
	ev.Kind = EventReturnToAI
	return s.Transition(ctx, phone, ev)
}

// Transition applies an explicit agent event. Undefined transitions return
// ErrInvalidTransition and write nothing.
func (s *Service) Transition(ctx context.Context, phone string, ev Event) (Conversation, error) {
	current, err := s.Get(ctx, phone)
	if err != nil {
		return Conversation{}, err
	}
	patch, err := Apply(current, ev, s.now())
	if err != nil {
		return current, err
	}
	if patch.IsZero() {
		return current, nil
	}
	updated, err := s.repo.UpdateConversation(ctx, current.Phone, patch)
	if err != nil {
		return Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	s.logger.Info("conversation transition",
		slog.String("phone", current.Phone),
		slog.String("event", string(ev.Kind)),
		slog.String("from", string(current.Status)),
		slog.String("to", string(updated.Status)),
		slog.String("agent_id", ev.AgentID),
	)
	s.publish(updated)
	return updated, nil
}

func (s *Service) publish(c Conversation) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(event.Marshal(event.EventTypeConversationUpdated, c.Phone, c))
}
