package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/memohai/zapdesk/internal/channel/adapters/zapi"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/message/linker"
	"github.com/memohai/zapdesk/internal/metrics"
)

// MaxTextRunes is the longest text the provider accepts in one message.
const MaxTextRunes = 4096

const maxFailureReason = 300

// Dispatch kinds reported to metrics.
const (
	KindText     = "text"
	KindMedia    = "media"
	KindEdit     = "edit"
	KindDelete   = "delete"
	KindReaction = "reaction"
	KindResend   = "resend"
)

// Dispatcher sends messages through the provider. Every send is persisted as
// sending before the provider is called.
type Dispatcher struct {
	sender        Sender
	messages      MessageStore
	conversations ConversationRecorder
	replies       ReplyResolver
	reactions     ReactionApplier
	checker       MediaChecker
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// NewDispatcher creates a dispatcher. A nil logger falls back to slog.Default().
func NewDispatcher(
	log *slog.Logger,
	sender Sender,
	messages MessageStore,
	conversations ConversationRecorder,
	replies ReplyResolver,
	reactions ReactionApplier,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sender:        sender,
		messages:      messages,
		conversations: conversations,
		replies:       replies,
		reactions:     reactions,
		logger:        log.With(slog.String("component", "dispatcher")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetMediaChecker enables reachability checks for outbound media URLs.
func (d *Dispatcher) SetMediaChecker(checker MediaChecker) {
	if d == nil {
		return
	}
	d.checker = checker
}

// SetMetrics configures dispatch counters.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	if d == nil {
		return
	}
	d.metrics = m
}

// SendText sends a text message. On provider failure the returned message is
// the failed row and the error wraps ErrDispatchFailed.
func (d *Dispatcher) SendText(ctx context.Context, req TextRequest) (message.Message, error) {
	phone := strings.TrimSpace(req.Phone)
	text := strings.TrimSpace(req.Text)
	if phone == "" {
		return message.Message{}, fmt.Errorf("%w: phone is required", ErrValidation)
	}
	if text == "" {
		return message.Message{}, fmt.Errorf("%w: text is required", ErrValidation)
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return message.Message{}, fmt.Errorf("%w: text exceeds %d characters", ErrValidation, MaxTextRunes)
	}
	if _, err := d.conversations.Get(ctx, phone); err != nil {
		return message.Message{}, err
	}
	replyTo, err := d.resolveReply(ctx, phone, req.ReplyTo)
	if err != nil {
		return message.Message{}, err
	}

	row, err := d.writeAhead(ctx, message.Message{
		Phone:   phone,
		Content: text,
		ReplyTo: replyTo,
	}, req.Author)
	if err != nil {
		return message.Message{}, err
	}
	return d.deliver(ctx, KindText, row)
}

// SendMedia sends media by durable URL. The URL is checked before anything is
// written.
func (d *Dispatcher) SendMedia(ctx context.Context, req MediaRequest) (message.Message, error) {
	phone := strings.TrimSpace(req.Phone)
	rawURL := strings.TrimSpace(req.URL)
	if phone == "" {
		return message.Message{}, fmt.Errorf("%w: phone is required", ErrValidation)
	}
	if !validMediaType(req.Type) {
		return message.Message{}, fmt.Errorf("%w: unknown media type %q", ErrValidation, req.Type)
	}
	if rawURL == "" {
		return message.Message{}, fmt.Errorf("%w: media url is required", ErrValidation)
	}
	if _, err := d.conversations.Get(ctx, phone); err != nil {
		return message.Message{}, err
	}
	if d.checker != nil {
		if err := d.checker.CheckReachable(ctx, rawURL); err != nil {
			return message.Message{}, fmt.Errorf("%w: media url not reachable: %v", ErrValidation, err)
		}
	}
	replyTo, err := d.resolveReply(ctx, phone, req.ReplyTo)
	if err != nil {
		return message.Message{}, err
	}

	caption := strings.TrimSpace(req.Caption)
	row, err := d.writeAhead(ctx, message.Message{
		Phone:   phone,
		Content: caption,
		ReplyTo: replyTo,
		Media: &message.Media{
			Type:      req.Type,
			URL:       rawURL,
			Caption:   caption,
			FileName:  strings.TrimSpace(req.FileName),
			Persisted: true,
		},
	}, req.Author)
	if err != nil {
		return message.Message{}, err
	}
	return d.deliver(ctx, KindMedia, row)
}

// Resend retries a failed row in place.
func (d *Dispatcher) Resend(ctx context.Context, phone, id string) (message.Message, error) {
	row, err := d.messages.Get(ctx, phone, id)
	if err != nil {
		return message.Message{}, err
	}
	if row.Status != message.StatusFailed {
		return row, fmt.Errorf("%w: only failed messages can be resent", ErrNotAllowed)
	}
	sending := message.StatusSending
	at := d.now()
	empty := ""
	row, err = d.messages.Update(ctx, row.Phone, row.ID, message.Patch{
		Status:        &sending,
		StatusAt:      &at,
		FailureReason: &empty,
	})
	if err != nil {
		return message.Message{}, fmt.Errorf("mark resend: %w", err)
	}
	d.logger.Info("resending message", slog.String("phone", row.Phone), slog.String("message_id", row.ID))
	return d.deliver(ctx, KindResend, row)
}

// Edit replaces the text of a sent text message.
func (d *Dispatcher) Edit(ctx context.Context, phone, id, text string) (message.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return message.Message{}, fmt.Errorf("%w: text is required", ErrValidation)
	}
	row, err := d.messages.Get(ctx, phone, id)
	if err != nil {
		return message.Message{}, err
	}
	switch {
	case !row.FromMe:
		return row, fmt.Errorf("%w: only own messages can be edited", ErrNotAllowed)
	case row.Media != nil:
		return row, fmt.Errorf("%w: media messages cannot be edited", ErrNotAllowed)
	case row.Deleted:
		return row, fmt.Errorf("%w: message was deleted", ErrNotAllowed)
	case row.ProviderMessageID == "" || message.StatusRank(row.Status) < message.StatusRank(message.StatusSent):
		return row, fmt.Errorf("%w: message was not sent", ErrNotAllowed)
	}
	if _, err := d.sender.EditText(ctx, row.Phone, row.ProviderMessageID, text); err != nil {
		d.metrics.Dispatch(KindEdit, metrics.ResultFailed)
		return row, fmt.Errorf("%w: %s", ErrDispatchFailed, failureReason(err))
	}
	d.metrics.Dispatch(KindEdit, metrics.ResultOK)
	return d.messages.Edit(ctx, row.Phone, row.ID, text)
}

// Delete deletes a message for everyone and soft-deletes the row. Rows that
// never reached the provider are only soft-deleted.
func (d *Dispatcher) Delete(ctx context.Context, phone, id string) (message.Message, error) {
	row, err := d.messages.Get(ctx, phone, id)
	if err != nil {
		return message.Message{}, err
	}
	if row.Deleted {
		return row, nil
	}
	if row.ProviderMessageID != "" {
		if err := d.sender.DeleteMessage(ctx, row.Phone, row.ProviderMessageID, row.FromMe); err != nil {
			d.metrics.Dispatch(KindDelete, metrics.ResultFailed)
			return row, fmt.Errorf("%w: %s", ErrDispatchFailed, failureReason(err))
		}
		d.metrics.Dispatch(KindDelete, metrics.ResultOK)
	}
	return d.messages.SoftDelete(ctx, row.Phone, row.ID)
}

// React sends the instance's reaction to a message. An empty emoji removes it.
func (d *Dispatcher) React(ctx context.Context, phone, id, emoji string, author Author) (message.Message, error) {
	row, err := d.messages.Get(ctx, phone, id)
	if err != nil {
		return message.Message{}, err
	}
	if row.ProviderMessageID == "" {
		return row, fmt.Errorf("%w: message has no provider id", ErrNotAllowed)
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		_, err = d.sender.RemoveReaction(ctx, row.Phone, row.ProviderMessageID)
	} else {
		_, err = d.sender.SendReaction(ctx, row.Phone, row.ProviderMessageID, emoji)
	}
	if err != nil {
		d.metrics.Dispatch(KindReaction, metrics.ResultFailed)
		return row, fmt.Errorf("%w: %s", ErrDispatchFailed, failureReason(err))
	}
	d.metrics.Dispatch(KindReaction, metrics.ResultOK)

	res, err := d.reactions.ApplyReaction(ctx, linker.ReactionEvent{
		Phone:            row.Phone,
		TargetProviderID: row.ProviderMessageID,
		Emoji:            emoji,
		AuthorName:       author.normalized().AgentName,
		FromMe:           true,
		At:               d.now(),
	})
	if err != nil {
		return row, fmt.Errorf("record reaction: %w", err)
	}
	return res.Message, nil
}

// Info returns the stored row with its status fields.
func (d *Dispatcher) Info(ctx context.Context, phone, id string) (message.Message, error) {
	return d.messages.Get(ctx, phone, id)
}

func (d *Dispatcher) resolveReply(ctx context.Context, phone, replyTo string) (*message.ReplyRef, error) {
	replyTo = strings.TrimSpace(replyTo)
	if replyTo == "" || d.replies == nil {
		return nil, nil
	}
	ref, err := d.replies.ResolveLocalReply(ctx, phone, replyTo)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return nil, fmt.Errorf("%w: reply target %s not found", ErrValidation, replyTo)
		}
		return nil, err
	}
	return ref, nil
}

// writeAhead persists the row as sending and moves the conversation preview,
// before any provider call.
func (d *Dispatcher) writeAhead(ctx context.Context, m message.Message, author Author) (message.Message, error) {
	author = author.normalized()
	now := d.now()
	m.Role = author.Role
	m.AgentID = author.AgentID
	m.AgentName = author.AgentName
	m.Origin = message.OriginPanel
	m.FromMe = true
	m.Status = message.StatusSending
	m.Timestamp = now
	m.StatusAt = now

	row, _, err := d.messages.Persist(ctx, m)
	if err != nil {
		return message.Message{}, fmt.Errorf("persist outbound message: %w", err)
	}
	preview := message.Preview(row.Content, row.Media)
	if _, err := d.conversations.RecordOutbound(ctx, row.Phone, preview, now, author.Role == message.RoleAgent); err != nil {
		d.logger.Warn("update conversation preview failed",
			slog.String("phone", row.Phone),
			slog.Any("error", err),
		)
	}
	return row, nil
}

// deliver calls the provider for a sending row and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, kind string, row message.Message) (message.Message, error) {
	res, err := d.call(ctx, row)
	at := d.now()
	if err != nil {
		reason := failureReason(err)
		failed := message.StatusFailed
		updated, uerr := d.messages.Update(ctx, row.Phone, row.ID, message.Patch{
			Status:        &failed,
			StatusAt:      &at,
			FailureReason: &reason,
		})
		if uerr != nil {
			d.logger.Error("mark message failed",
				slog.String("phone", row.Phone),
				slog.String("message_id", row.ID),
				slog.Any("error", uerr),
			)
			updated = row
		}
		d.metrics.Dispatch(kind, metrics.ResultFailed)
		d.logger.Warn("outbound dispatch failed",
			slog.String("phone", row.Phone),
			slog.String("message_id", row.ID),
			slog.String("kind", kind),
			slog.String("reason", reason),
		)
		return updated, fmt.Errorf("%w: %s", ErrDispatchFailed, reason)
	}

	sent := message.StatusSent
	patch := message.Patch{Status: &sent, StatusAt: &at}
	if pid := res.ProviderID(); pid != "" {
		patch.ProviderMessageID = &pid
	}
	updated, err := d.messages.Update(ctx, row.Phone, row.ID, patch)
	if err != nil {
		// Delivered but not recorded: the stuck-sending sweep reports it.
		return row, fmt.Errorf("record sent message: %w", err)
	}
	d.metrics.Dispatch(kind, metrics.ResultOK)
	d.logger.Debug("outbound dispatched",
		slog.String("phone", row.Phone),
		slog.String("message_id", row.ID),
		slog.String("provider_message_id", updated.ProviderMessageID),
	)
	return updated, nil
}

func (d *Dispatcher) call(ctx context.Context, row message.Message) (zapi.SendResult, error) {
	if d.sender == nil {
		return zapi.SendResult{}, zapi.ErrNotConfigured
	}
	var quoted string
	if row.ReplyTo != nil {
		quoted = row.ReplyTo.ProviderID
	}
	if row.Media == nil {
		return d.sender.SendText(ctx, row.Phone, row.Content, quoted)
	}
	return d.sender.SendMedia(ctx, zapi.MediaRequest{
		Phone:    row.Phone,
		Type:     string(row.Media.Type),
		URL:      row.Media.URL,
		Caption:  row.Media.Caption,
		FileName: row.Media.FileName,
		ReplyTo:  quoted,
	})
}

func failureReason(err error) string {
	var apiErr *zapi.APIError
	reason := err.Error()
	if errors.As(err, &apiErr) {
		reason = fmt.Sprintf("provider status %d: %s", apiErr.StatusCode, apiErr.Body)
	}
	return message.Truncate(reason, maxFailureReason)
}

func validMediaType(t message.MediaType) bool {
	switch t {
	case message.MediaImage, message.MediaAudio, message.MediaVideo, message.MediaDocument:
		return true
	}
	return false
}
