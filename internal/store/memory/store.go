// Package memory is an in-process implementation of the conversation,
// message, instance, and settings repositories. It backs development runs
// (storage.driver = "memory") and cross-package tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/instance"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/settings"
)

type storedMessage struct {
	seq uint64
	msg message.Message
}

// Store keeps every record behind a single lock, so check-then-write
// sequences are atomic.
type Store struct {
	mu            sync.Mutex
	conversations map[string]conversation.Conversation
	messages      map[string]map[string]*storedMessage
	byProvider    map[string]string
	seq           uint64
	instance      instance.State
	aiSettings    *settings.AISettings
	now           func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		conversations: map[string]conversation.Conversation{},
		messages:      map[string]map[string]*storedMessage{},
		byProvider:    map[string]string{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// --- conversations ---

func (s *Store) GetConversation(_ context.Context, phone string) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[phone]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return copyConversation(c), nil
}

func (s *Store) CreateConversation(_ context.Context, c conversation.Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.Phone]; ok {
		return false, nil
	}
	if c.TransferHistory == nil {
		c.TransferHistory = []conversation.TransferEntry{}
	}
	s.conversations[c.Phone] = copyConversation(c)
	return true, nil
}

func (s *Store) UpdateConversation(_ context.Context, phone string, patch conversation.Patch) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[phone]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	c = patch.ApplyTo(c)
	c.UpdatedAt = s.now()
	s.conversations[phone] = c
	return copyConversation(c), nil
}

func (s *Store) ListConversations(_ context.Context, filter conversation.ListFilter) ([]conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].Phone < out[j].Phone
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- messages ---

func providerKey(phone, providerID string) string {
	return phone + "\x00" + providerID
}

func (s *Store) InsertMessage(_ context.Context, m message.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.Phone]; !ok {
		return false, message.ErrConversationMissing
	}
	byID := s.messages[m.Phone]
	if byID == nil {
		byID = map[string]*storedMessage{}
		s.messages[m.Phone] = byID
	}
	if _, exists := byID[m.ID]; exists {
		return false, nil
	}
	if m.ProviderMessageID != "" {
		if _, exists := s.byProvider[providerKey(m.Phone, m.ProviderMessageID)]; exists {
			return false, nil
		}
		s.byProvider[providerKey(m.Phone, m.ProviderMessageID)] = m.ID
	}
	s.seq++
	byID[m.ID] = &storedMessage{seq: s.seq, msg: copyMessage(m)}
	return true, nil
}

func (s *Store) GetMessage(_ context.Context, phone, id string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.messages[phone][id]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	return copyMessage(stored.msg), nil
}

func (s *Store) FindByProviderID(_ context.Context, phone, providerID string) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.lookupProvider(phone, providerID)
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	return copyMessage(stored.msg), nil
}

func (s *Store) lookupProvider(phone, providerID string) (*storedMessage, bool) {
	id, ok := s.byProvider[providerKey(phone, providerID)]
	if !ok {
		return nil, false
	}
	stored, ok := s.messages[phone][id]
	return stored, ok
}

func (s *Store) UpdateMessage(_ context.Context, phone, id string, patch message.Patch) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.messages[phone][id]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	if patch.IfStatus != nil && stored.msg.Status != *patch.IfStatus {
		return copyMessage(stored.msg), message.ErrStatusChanged
	}
	if patch.ProviderMessageID != nil && *patch.ProviderMessageID != stored.msg.ProviderMessageID {
		if stored.msg.ProviderMessageID != "" {
			delete(s.byProvider, providerKey(phone, stored.msg.ProviderMessageID))
		}
		if *patch.ProviderMessageID != "" {
			s.byProvider[providerKey(phone, *patch.ProviderMessageID)] = id
		}
	}
	stored.msg = patch.ApplyTo(stored.msg)
	stored.msg.UpdatedAt = s.now()
	return copyMessage(stored.msg), nil
}

func (s *Store) AdvanceStatus(_ context.Context, phone, providerID string, status message.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.lookupProvider(phone, providerID)
	if !ok || !message.CanAdvance(stored.msg.Status, status) {
		return false, nil
	}
	stored.msg.Status = status
	stored.msg.StatusAt = at
	stored.msg.FailureReason = ""
	stored.msg.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) MutateReactions(_ context.Context, phone, id string, fn message.ReactionMutator) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.messages[phone][id]
	if !ok {
		return message.Message{}, message.ErrNotFound
	}
	current := append([]message.Reaction(nil), stored.msg.Reactions...)
	stored.msg.Reactions = fn(current)
	stored.msg.UpdatedAt = s.now()
	return copyMessage(stored.msg), nil
}

func (s *Store) ListMessages(_ context.Context, q message.Query) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*storedMessage, 0, len(s.messages[q.Phone]))
	for _, stored := range s.messages[q.Phone] {
		if !q.Before.IsZero() && !stored.msg.Timestamp.Before(q.Before) {
			continue
		}
		rows = append(rows, stored)
	}
	sortChronological(rows)
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[len(rows)-q.Limit:]
	}
	out := make([]message.Message, 0, len(rows))
	for _, stored := range rows {
		out = append(out, copyMessage(stored.msg))
	}
	return out, nil
}

func (s *Store) ListStale(_ context.Context, status message.Status, cutoff time.Time, limit int) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*storedMessage
	for _, byID := range s.messages {
		for _, stored := range byID {
			if stored.msg.Status == status && stored.msg.StatusAt.Before(cutoff) {
				rows = append(rows, stored)
			}
		}
	}
	sortChronological(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]message.Message, 0, len(rows))
	for _, stored := range rows {
		out = append(out, copyMessage(stored.msg))
	}
	return out, nil
}

func sortChronological(rows []*storedMessage) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].msg.Timestamp.Equal(rows[j].msg.Timestamp) {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].msg.Timestamp.Before(rows[j].msg.Timestamp)
	})
}

// --- singletons ---

func (s *Store) GetInstanceState(context.Context) (instance.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance, nil
}

func (s *Store) SaveInstanceState(_ context.Context, st instance.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instance = st
	return nil
}

func (s *Store) GetAISettings(context.Context) (settings.AISettings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aiSettings == nil {
		return settings.AISettings{}, false, nil
	}
	return *s.aiSettings, true, nil
}

func (s *Store) SaveAISettings(_ context.Context, st settings.AISettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aiSettings = &st
	return nil
}

func copyConversation(c conversation.Conversation) conversation.Conversation {
	c.TransferHistory = append([]conversation.TransferEntry{}, c.TransferHistory...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

func copyMessage(m message.Message) message.Message {
	if m.Media != nil {
		media := *m.Media
		m.Media = &media
	}
	if m.ReplyTo != nil {
		reply := *m.ReplyTo
		m.ReplyTo = &reply
	}
	if m.Reactions != nil {
		m.Reactions = append([]message.Reaction(nil), m.Reactions...)
	}
	return m
}
