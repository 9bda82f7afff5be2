// Package postgres implements the conversation, message, instance, and
// settings repositories on PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/instance"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/settings"
)

const (
	singletonInstance   = "instance"
	singletonAISettings = "ai_settings"

	pgForeignKeyViolation = "23503"
)

const conversationColumns = `phone, display_name, avatar_url, last_message, last_activity_at, unread_count,
	status, ai_enabled, ai_paused, assigned_agent_id, assigned_agent_name, assigned_department_id,
	resolved_at, resolved_by, transfer_history, created_at, updated_at`

const messageColumns = `id, phone, provider_message_id, role, content, ts, status, status_at, failure_reason,
	origin, from_me, agent_id, agent_name, media, reply_to, reactions, edited, deleted, created_at, updated_at, seq`

// Store is backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- conversations ---

func (s *Store) GetConversation(ctx context.Context, phone string) (conversation.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE phone = $1`, phone)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, err
}

func (s *Store) CreateConversation(ctx context.Context, c conversation.Conversation) (bool, error) {
	history, err := json.Marshal(nonNilHistory(c.TransferHistory))
	if err != nil {
		return false, fmt.Errorf("marshal transfer history: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO conversations (`+conversationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (phone) DO NOTHING`,
		c.Phone, c.DisplayName, c.AvatarURL, c.LastMessage, c.LastActivityAt, c.UnreadCount,
		string(c.Status), c.AIEnabled, c.AIPaused, c.AssignedAgentID, c.AssignedAgentName, c.AssignedDepartmentID,
		c.ResolvedAt, c.ResolvedBy, string(history), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateConversation issues a single UPDATE touching only the patched
// columns. The unread counter and transfer history are modified in SQL so
// concurrent writers never overwrite each other's increments or entries.
func (s *Store) UpdateConversation(ctx context.Context, phone string, p conversation.Patch) (conversation.Conversation, error) {
	b := &setBuilder{}
	b.raw("updated_at = now()")
	if p.DisplayName != nil {
		b.set("display_name", *p.DisplayName)
	}
	if p.AvatarURL != nil {
		b.set("avatar_url", *p.AvatarURL)
	}
	if p.LastMessage != nil {
		b.set("last_message", *p.LastMessage)
	}
	if p.LastActivityAt != nil {
		b.set("last_activity_at", *p.LastActivityAt)
	}
	switch {
	case p.ResetUnread && p.UnreadDelta != 0:
		b.set("unread_count", p.UnreadDelta)
	case p.ResetUnread:
		b.raw("unread_count = 0")
	case p.UnreadDelta != 0:
		b.expr("unread_count = unread_count + $%d", p.UnreadDelta)
	}
	if p.Status != nil {
		b.set("status", string(*p.Status))
	}
	if p.AIEnabled != nil {
		b.set("ai_enabled", *p.AIEnabled)
	}
	if p.AIPaused != nil {
		b.set("ai_paused", *p.AIPaused)
	}
	if p.AssignedAgentID != nil {
		b.set("assigned_agent_id", *p.AssignedAgentID)
	}
	if p.AssignedAgentName != nil {
		b.set("assigned_agent_name", *p.AssignedAgentName)
	}
	if p.AssignedDepartmentID != nil {
		b.set("assigned_department_id", *p.AssignedDepartmentID)
	}
	if p.ResolvedAt != nil {
		b.set("resolved_at", *p.ResolvedAt)
	}
	if p.ResolvedBy != nil {
		b.set("resolved_by", *p.ResolvedBy)
	}
	if p.AppendTransfer != nil {
		entry, err := json.Marshal([]conversation.TransferEntry{*p.AppendTransfer})
		if err != nil {
			return conversation.Conversation{}, fmt.Errorf("marshal transfer entry: %w", err)
		}
		b.expr("transfer_history = transfer_history || $%d::jsonb", string(entry))
	}

	args := append(b.args, phone)
	query := fmt.Sprintf(`UPDATE conversations SET %s WHERE phone = $%d RETURNING `+conversationColumns,
		strings.Join(b.sets, ", "), len(args))
	c, err := scanConversation(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, err
}

func (s *Store) ListConversations(ctx context.Context, filter conversation.ListFilter) ([]conversation.Conversation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+conversationColumns+` FROM conversations
WHERE ($1 = '' OR status = $1)
ORDER BY last_activity_at DESC, phone
LIMIT $2`, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- messages ---

func (s *Store) InsertMessage(ctx context.Context, m message.Message) (bool, error) {
	media, err := jsonOrNil(m.Media != nil, m.Media)
	if err != nil {
		return false, err
	}
	reply, err := jsonOrNil(m.ReplyTo != nil, m.ReplyTo)
	if err != nil {
		return false, err
	}
	reactions, err := json.Marshal(nonNilReactions(m.Reactions))
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO messages (id, phone, provider_message_id, role, content, ts, status, status_at, failure_reason,
	origin, from_me, agent_id, agent_name, media, reply_to, reactions, edited, deleted, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT DO NOTHING`,
		m.ID, m.Phone, m.ProviderMessageID, string(m.Role), m.Content, m.Timestamp, string(m.Status), m.StatusAt,
		m.FailureReason, string(m.Origin), m.FromMe, m.AgentID, m.AgentName, media, reply, string(reactions),
		m.Edited, m.Deleted, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return false, message.ErrConversationMissing
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetMessage(ctx context.Context, phone, id string) (message.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE phone = $1 AND id = $2`, phone, id)
	return scanMessageRow(row)
}

func (s *Store) FindByProviderID(ctx context.Context, phone, providerID string) (message.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
WHERE phone = $1 AND provider_message_id = $2 AND provider_message_id <> ''`, phone, providerID)
	return scanMessageRow(row)
}

func (s *Store) UpdateMessage(ctx context.Context, phone, id string, p message.Patch) (message.Message, error) {
	b := &setBuilder{}
	b.raw("updated_at = now()")
	if p.ProviderMessageID != nil {
		b.set("provider_message_id", *p.ProviderMessageID)
	}
	if p.Content != nil {
		b.set("content", *p.Content)
	}
	if p.Status != nil {
		b.set("status", string(*p.Status))
	}
	if p.StatusAt != nil {
		b.set("status_at", *p.StatusAt)
	}
	if p.FailureReason != nil {
		b.set("failure_reason", *p.FailureReason)
	}
	if p.Edited != nil {
		b.set("edited", *p.Edited)
	}
	if p.Deleted != nil {
		b.set("deleted", *p.Deleted)
	}
	if p.Media != nil {
		media, err := json.Marshal(p.Media)
		if err != nil {
			return message.Message{}, err
		}
		b.expr("media = $%d::jsonb", string(media))
	}
	args := append(b.args, phone, id)
	where := fmt.Sprintf("phone = $%d AND id = $%d", len(args)-1, len(args))
	if p.IfStatus != nil {
		args = append(args, string(*p.IfStatus))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query := fmt.Sprintf(`UPDATE messages SET %s WHERE %s RETURNING `+messageColumns,
		strings.Join(b.sets, ", "), where)
	updated, err := scanMessageRow(s.pool.QueryRow(ctx, query, args...))
	if p.IfStatus != nil && errors.Is(err, message.ErrNotFound) {
		current, gerr := s.GetMessage(ctx, phone, id)
		if gerr != nil {
			return message.Message{}, gerr
		}
		return current, message.ErrStatusChanged
	}
	return updated, err
}

func (s *Store) AdvanceStatus(ctx context.Context, phone, providerID string, status message.Status, at time.Time) (bool, error) {
	rank := message.StatusRank(status)
	if rank == 0 || strings.TrimSpace(providerID) == "" {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE messages
SET status = $1, status_at = $2, failure_reason = '', updated_at = now()
WHERE phone = $3 AND provider_message_id = $4
  AND (status = 'failed' OR (CASE status
        WHEN 'sending' THEN 1
        WHEN 'sent' THEN 2
        WHEN 'delivered' THEN 3
        WHEN 'read' THEN 4
        ELSE 0 END) < $5)`,
		string(status), at, phone, providerID, rank,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MutateReactions locks the row for the read-modify-write of the list.
func (s *Store) MutateReactions(ctx context.Context, phone, id string, fn message.ReactionMutator) (message.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return message.Message{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT reactions FROM messages WHERE phone = $1 AND id = $2 FOR UPDATE`, phone, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Message{}, message.ErrNotFound
	}
	if err != nil {
		return message.Message{}, err
	}
	var current []message.Reaction
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			return message.Message{}, fmt.Errorf("decode reactions: %w", err)
		}
	}
	next, err := json.Marshal(nonNilReactions(fn(current)))
	if err != nil {
		return message.Message{}, err
	}
	updated, err := scanMessageRow(tx.QueryRow(ctx, `
UPDATE messages SET reactions = $1::jsonb, updated_at = now()
WHERE phone = $2 AND id = $3
RETURNING `+messageColumns, string(next), phone, id))
	if err != nil {
		return message.Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return message.Message{}, err
	}
	return updated, nil
}

func (s *Store) ListMessages(ctx context.Context, q message.Query) ([]message.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var before any
	if !q.Before.IsZero() {
		before = q.Before
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+messageColumns+` FROM (
	SELECT `+messageColumns+` FROM messages
	WHERE phone = $1 AND ($2::timestamptz IS NULL OR ts < $2::timestamptz)
	ORDER BY ts DESC, seq DESC
	LIMIT $3
) page
ORDER BY ts ASC, seq ASC`, q.Phone, before, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *Store) ListStale(ctx context.Context, status message.Status, cutoff time.Time, limit int) ([]message.Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE status = $1 AND status_at < $2
ORDER BY status_at ASC
LIMIT $3`, string(status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// --- singletons ---

func (s *Store) GetInstanceState(ctx context.Context) (instance.State, error) {
	var st instance.State
	_, err := s.getSingleton(ctx, singletonInstance, &st)
	return st, err
}

func (s *Store) SaveInstanceState(ctx context.Context, st instance.State) error {
	return s.putSingleton(ctx, singletonInstance, st)
}

func (s *Store) GetAISettings(ctx context.Context) (settings.AISettings, bool, error) {
	var st settings.AISettings
	ok, err := s.getSingleton(ctx, singletonAISettings, &st)
	return st, ok, err
}

func (s *Store) SaveAISettings(ctx context.Context, st settings.AISettings) error {
	return s.putSingleton(ctx, singletonAISettings, st)
}

func (s *Store) getSingleton(ctx context.Context, key string, dst any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM singletons WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putSingleton(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO singletons (key, value, updated_at) VALUES ($1, $2::jsonb, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, string(raw))
	return err
}

// --- helpers ---

type setBuilder struct {
	sets []string
	args []any
}

func (b *setBuilder) raw(clause string) {
	b.sets = append(b.sets, clause)
}

func (b *setBuilder) set(column string, v any) {
	b.expr(column+" = $%d", v)
}

func (b *setBuilder) expr(format string, v any) {
	b.args = append(b.args, v)
	b.sets = append(b.sets, fmt.Sprintf(format, len(b.args)))
}

func scanConversation(row pgx.Row) (conversation.Conversation, error) {
	var (
		c       conversation.Conversation
		status  string
		history []byte
	)
	err := row.Scan(
		&c.Phone, &c.DisplayName, &c.AvatarURL, &c.LastMessage, &c.LastActivityAt, &c.UnreadCount,
		&status, &c.AIEnabled, &c.AIPaused, &c.AssignedAgentID, &c.AssignedAgentName, &c.AssignedDepartmentID,
		&c.ResolvedAt, &c.ResolvedBy, &history, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.Status = conversation.Status(status)
	c.TransferHistory = []conversation.TransferEntry{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &c.TransferHistory); err != nil {
			return conversation.Conversation{}, fmt.Errorf("decode transfer history: %w", err)
		}
	}
	return c, nil
}

func scanMessageRow(row pgx.Row) (message.Message, error) {
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Message{}, message.ErrNotFound
	}
	return m, err
}

func scanMessage(row pgx.Row) (message.Message, error) {
	var (
		m                       message.Message
		role, status, origin    string
		media, reply, reactions []byte
		seq                     int64
	)
	err := row.Scan(
		&m.ID, &m.Phone, &m.ProviderMessageID, &role, &m.Content, &m.Timestamp, &status, &m.StatusAt,
		&m.FailureReason, &origin, &m.FromMe, &m.AgentID, &m.AgentName, &media, &reply, &reactions,
		&m.Edited, &m.Deleted, &m.CreatedAt, &m.UpdatedAt, &seq,
	)
	if err != nil {
		return message.Message{}, err
	}
	m.Role = message.Role(role)
	m.Status = message.Status(status)
	m.Origin = message.Origin(origin)
	if len(media) > 0 {
		m.Media = &message.Media{}
		if err := json.Unmarshal(media, m.Media); err != nil {
			return message.Message{}, fmt.Errorf("decode media: %w", err)
		}
	}
	if len(reply) > 0 {
		m.ReplyTo = &message.ReplyRef{}
		if err := json.Unmarshal(reply, m.ReplyTo); err != nil {
			return message.Message{}, fmt.Errorf("decode reply: %w", err)
		}
	}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return message.Message{}, fmt.Errorf("decode reactions: %w", err)
		}
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
	}
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]message.Message, error) {
	defer rows.Close()
	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func jsonOrNil(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nonNilHistory(h []conversation.TransferEntry) []conversation.TransferEntry {
	if h == nil {
		return []conversation.TransferEntry{}
	}
	return h
}

func nonNilReactions(r []message.Reaction) []message.Reaction {
	if r == nil {
		return []message.Reaction{}
	}
	return r
}
