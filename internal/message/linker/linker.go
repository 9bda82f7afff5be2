// Package linker attaches reactions to their target messages and resolves
// reply backlinks. Targets are always looked up by provider message id.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/memohai/zapdesk/internal/message"
)

const (
	// TombstoneContent is recorded when a reaction targets an unknown message.
	TombstoneContent = "reagiu a uma mensagem apagada"
	// MissingReplyText is shown for replies whose quoted message is unknown.
	MissingReplyText = "Mensagem removida"

	defaultLogWindow = 30 * time.Second
)

// Store is the subset of the message service the linker needs.
type Store interface {
	Get(ctx context.Context, phone, id string) (message.Message, error)
	FindByProviderID(ctx context.Context, phone, providerID string) (message.Message, error)
	MutateReactions(ctx context.Context, phone, id string, fn message.ReactionMutator) (message.Message, error)
	Persist(ctx context.Context, m message.Message) (message.Message, bool, error)
}

// ReactionEvent is a reaction received from the provider or sent by an agent.
type ReactionEvent struct {
	Phone string
	// EventID is the provider id of the reaction event itself.
	EventID          string
	TargetProviderID string
	Emoji            string
	AuthorName       string
	AuthorPhone      string
	FromMe           bool
	At               time.Time
}

// Outcome describes what ApplyReaction did.
type Outcome string

const (
	OutcomeAdded     Outcome = "added"
	OutcomeRemoved   Outcome = "removed"
	OutcomeTombstone Outcome = "tombstone"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result carries the mutated message or the tombstone row.
type Result struct {
	Outcome Outcome
	Message message.Message
}

// Linker applies reactions and resolves replies.
type Linker struct {
	store    Store
	logger   *slog.Logger
	throttle *logThrottle
}

// New creates a linker. A nil logger falls back to slog.Default().
func New(log *slog.Logger, store Store) *Linker {
	if log == nil {
		log = slog.Default()
	}
	return &Linker{
		store:    store,
		logger:   log.With(slog.String("component", "linker")),
		throttle: newLogThrottle(defaultLogWindow),
	}
}

// ApplyReaction upserts or removes the author's reaction on the target. An
// unknown target records a system tombstone keyed by the event id instead.
func (l *Linker) ApplyReaction(ctx context.Context, ev ReactionEvent) (Result, error) {
	ev.Phone = strings.TrimSpace(ev.Phone)
	ev.TargetProviderID = strings.TrimSpace(ev.TargetProviderID)
	if ev.Phone == "" || ev.TargetProviderID == "" {
		return Result{}, fmt.Errorf("reaction requires phone and target message id")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	target, err := l.store.FindByProviderID(ctx, ev.Phone, ev.TargetProviderID)
	if errors.Is(err, message.ErrNotFound) {
		return l.tombstone(ctx, ev)
	}
	if err != nil {
		return Result{}, fmt.Errorf("find reaction target: %w", err)
	}

	reaction := message.Reaction{
		Emoji:      strings.TrimSpace(ev.Emoji),
		AuthorName: strings.TrimSpace(ev.AuthorName),
		Phone:      strings.TrimSpace(ev.AuthorPhone),
		FromMe:     ev.FromMe,
		Timestamp:  ev.At,
	}
	outcome := OutcomeAdded
	mutate := func(list []message.Reaction) []message.Reaction {
		return message.UpsertReaction(list, reaction)
	}
	if reaction.Emoji == "" {
		outcome = OutcomeRemoved
		mutate = func(list []message.Reaction) []message.Reaction {
			return message.RemoveReaction(list, reaction)
		}
	}
	updated, err := l.store.MutateReactions(ctx, ev.Phone, target.ID, mutate)
	if err != nil {
		return Result{}, fmt.Errorf("mutate reactions: %w", err)
	}
	if l.throttle.Allow(target.ID + "\x00" + reaction.Emoji) {
		l.logger.Info("reaction applied",
			slog.String("phone", ev.Phone),
			slog.String("message_id", target.ID),
			slog.String("emoji", reaction.Emoji),
			slog.String("outcome", string(outcome)),
		)
	}
	return Result{Outcome: outcome, Message: updated}, nil
}

func (l *Linker) tombstone(ctx context.Context, ev ReactionEvent) (Result, error) {
	author := strings.TrimSpace(ev.AuthorName)
	if author == "" {
		author = "Cliente"
		if ev.FromMe {
			author = "Atendente"
		}
	}
	content := author + " " + TombstoneContent
	if emoji := strings.TrimSpace(ev.Emoji); emoji != "" {
		content += " " + emoji
	}
	row := message.Message{
		Phone:             ev.Phone,
		ProviderMessageID: strings.TrimSpace(ev.EventID),
		Role:              message.RoleSystem,
		Content:           content,
		Timestamp:         ev.At,
		Status:            message.StatusDelivered,
		Origin:            message.OriginCustomer,
		FromMe:            ev.FromMe,
	}
	if ev.FromMe {
		row.Origin = message.OriginDevice
	}
	saved, inserted, err := l.store.Persist(ctx, row)
	if err != nil {
		return Result{}, fmt.Errorf("persist reaction tombstone: %w", err)
	}
	if !inserted {
		return Result{Outcome: OutcomeDuplicate, Message: saved}, nil
	}
	if l.throttle.Allow(ev.TargetProviderID + "\x00" + ev.Emoji) {
		l.logger.Info("reaction target not found",
			slog.String("phone", ev.Phone),
			slog.String("target_provider_id", ev.TargetProviderID),
		)
	}
	return Result{Outcome: OutcomeTombstone, Message: saved}, nil
}

// ResolveReply builds the backlink for a reply quoting providerID.
func (l *Linker) ResolveReply(ctx context.Context, phone, providerID string) (*message.ReplyRef, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, nil
	}
	quoted, err := l.store.FindByProviderID(ctx, phone, providerID)
	if errors.Is(err, message.ErrNotFound) {
		return &message.ReplyRef{ProviderID: providerID, Text: MissingReplyText, Missing: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find quoted message: %w", err)
	}
	return refFor(quoted), nil
}

// ResolveLocalReply builds the backlink for a panel reply to a local message
// id. Unlike provider replies, an unknown id is an error.
func (l *Linker) ResolveLocalReply(ctx context.Context, phone, id string) (*message.ReplyRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	quoted, err := l.store.Get(ctx, phone, id)
	if err != nil {
		return nil, err
	}
	return refFor(quoted), nil
}

func refFor(m message.Message) *message.ReplyRef {
	text := strings.TrimSpace(m.Content)
	if text == "" {
		text = message.Preview("", m.Media)
	}
	return &message.ReplyRef{
		ID:         m.ID,
		ProviderID: m.ProviderMessageID,
		Text:       message.Truncate(text, message.MaxQuotedRunes),
		Author:     AuthorFor(m.Role),
	}
}

// AuthorFor maps a stored role to the reply author label.
func AuthorFor(role message.Role) string {
	switch role {
	case message.RoleAgent, message.RoleAI:
		return message.AuthorAgent
	default:
		return message.AuthorCustomer
	}
}

// logThrottle admits a key at most once per window. Expired keys are evicted
// on every call.
type logThrottle struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func newLogThrottle(window time.Duration) *logThrottle {
	return &logThrottle{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (t *logThrottle) Allow(key string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, at := range t.seen {
		if now.Sub(at) >= t.window {
			delete(t.seen, k)
		}
	}
	if _, ok := t.seen[key]; ok {
		return false
	}
	t.seen[key] = now
	return true
}

func (t *logThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
