package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/zapdesk/internal/message/event"
)

// DBService persists and reads conversation messages and publishes changes.
type DBService struct {
	repo      Repository
	logger    *slog.Logger
	publisher event.Publisher
	pending   *pendingStatuses
	now       func() time.Time
}

// NewService creates a message service.
func NewService(log *slog.Logger, repo Repository, publishers ...event.Publisher) *DBService {
	if log == nil {
		log = slog.Default()
	}
	var publisher event.Publisher
	if len(publishers) > 0 {
		publisher = publishers[0]
	}
	return &DBService{
		repo:      repo,
		logger:    log.With(slog.String("service", "message")),
		publisher: publisher,
		pending:   newPendingStatuses(defaultPendingTTL),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Persist writes m if neither its id nor its provider id is already stored.
// A missing id is generated. The bool result is false for duplicates.
func (s *DBService) Persist(ctx context.Context, m Message) (Message, bool, error) {
	m.Phone = strings.TrimSpace(m.Phone)
	if m.Phone == "" {
		return Message{}, false, fmt.Errorf("phone is required")
	}
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	now := s.now()
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	if m.StatusAt.IsZero() {
		m.StatusAt = now
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Role == "" {
		m.Role = RoleUser
	}

	inserted, err := s.repo.InsertMessage(ctx, m)
	if err != nil {
		return Message{}, false, err
	}
	if !inserted {
		s.logger.Debug("duplicate message skipped",
			slog.String("phone", m.Phone),
			slog.String("provider_message_id", m.ProviderMessageID),
		)
		return m, false, nil
	}
	s.publish(event.EventTypeMessageCreated, m)
	if advanced, ok := s.applyPending(ctx, m.Phone, m.ProviderMessageID); ok {
		return advanced, true, nil
	}
	return m, true, nil
}

// Get returns a message by local id.
func (s *DBService) Get(ctx context.Context, phone, id string) (Message, error) {
	return s.repo.GetMessage(ctx, strings.TrimSpace(phone), strings.TrimSpace(id))
}

// FindByProviderID returns a message by provider message id.
func (s *DBService) FindByProviderID(ctx context.Context, phone, providerID string) (Message, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return Message{}, ErrNotFound
	}
	return s.repo.FindByProviderID(ctx, strings.TrimSpace(phone), providerID)
}

// Update applies patch and publishes the updated message.
func (s *DBService) Update(ctx context.Context, phone, id string, patch Patch) (Message, error) {
	updated, err := s.repo.UpdateMessage(ctx, strings.TrimSpace(phone), strings.TrimSpace(id), patch)
	if err != nil {
		return Message{}, err
	}
	s.publish(event.EventTypeMessageUpdated, updated)
	if patch.ProviderMessageID != nil {
		if advanced, ok := s.applyPending(ctx, updated.Phone, updated.ProviderMessageID); ok {
			return advanced, nil
		}
	}
	return updated, nil
}

// AdvanceStatus applies a delivery callback. Late callbacks that would move a
// message backwards are ignored and reported as false. A callback for a
// provider id that is not stored yet is held for a short while and applied
// when the id is written.
func (s *DBService) AdvanceStatus(ctx context.Context, phone, providerID string, status Status, at time.Time) (bool, error) {
	phone = strings.TrimSpace(phone)
	providerID = strings.TrimSpace(providerID)
	if at.IsZero() {
		at = s.now()
	}
	advanced, err := s.advance(ctx, phone, providerID, status, at)
	if err != nil || advanced {
		return advanced, err
	}
	if _, err := s.repo.FindByProviderID(ctx, phone, providerID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	s.pending.hold(phone, providerID, status, at, s.now())
	// The id may have been written between the lookup and the hold.
	advanced, err = s.advance(ctx, phone, providerID, status, at)
	if advanced {
		s.pending.take(phone, providerID, s.now())
	}
	return advanced, err
}

func (s *DBService) advance(ctx context.Context, phone, providerID string, status Status, at time.Time) (bool, error) {
	advanced, err := s.repo.AdvanceStatus(ctx, phone, providerID, status, at)
	if err != nil || !advanced {
		return advanced, err
	}
	if updated, err := s.repo.FindByProviderID(ctx, phone, providerID); err == nil {
		s.publish(event.EventTypeMessageUpdated, updated)
	}
	return true, nil
}

// applyPending replays a held callback once providerID is stored.
func (s *DBService) applyPending(ctx context.Context, phone, providerID string) (Message, bool) {
	if providerID == "" {
		return Message{}, false
	}
	held, ok := s.pending.take(phone, providerID, s.now())
	if !ok {
		return Message{}, false
	}
	advanced, err := s.advance(ctx, phone, providerID, held.status, held.at)
	if err != nil {
		s.logger.Warn("apply held status failed",
			slog.String("phone", phone),
			slog.String("provider_message_id", providerID),
			slog.Any("error", err),
		)
		return Message{}, false
	}
	if !advanced {
		return Message{}, false
	}
	updated, err := s.repo.FindByProviderID(ctx, phone, providerID)
	if err != nil {
		return Message{}, false
	}
	return updated, true
}

// MutateReactions rewrites the reaction list of a message atomically.
func (s *DBService) MutateReactions(ctx context.Context, phone, id string, fn ReactionMutator) (Message, error) {
	updated, err := s.repo.MutateReactions(ctx, strings.TrimSpace(phone), strings.TrimSpace(id), fn)
	if err != nil {
		return Message{}, err
	}
	s.publish(event.EventTypeMessageUpdated, updated)
	return updated, nil
}

// Edit replaces the text content and flags the message as edited.
func (s *DBService) Edit(ctx context.Context, phone, id, content string) (Message, error) {
	edited := true
	return s.Update(ctx, phone, id, Patch{Content: &content, Edited: &edited})
}

// SoftDelete replaces the content with a placeholder. Rows are never removed.
func (s *DBService) SoftDelete(ctx context.Context, phone, id string) (Message, error) {
	content := DeletedPlaceholder
	deleted := true
	return s.Update(ctx, phone, id, Patch{Content: &content, Deleted: &deleted})
}

// List returns an ordered page of messages for a conversation.
func (s *DBService) List(ctx context.Context, q Query) ([]Message, error) {
	q.Phone = strings.TrimSpace(q.Phone)
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	return s.repo.ListMessages(ctx, q)
}

// Latest returns the last limit messages in chronological order.
func (s *DBService) Latest(ctx context.Context, phone string, limit int) ([]Message, error) {
	return s.List(ctx, Query{Phone: phone, Limit: limit})
}

// ListStale returns rows stuck in status since before cutoff.
func (s *DBService) ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListStale(ctx, status, cutoff, limit)
}

func (s *DBService) publish(eventType event.EventType, m Message) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(event.Marshal(eventType, m.Phone, m))
}
