// Package inbound turns provider webhook events into conversation and message
// writes, then hands customer messages to the AI responder.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/zapdesk/internal/channel/adapters/zapi"
	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/idempotency"
	"github.com/memohai/zapdesk/internal/instance"
	"github.com/memohai/zapdesk/internal/media"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/message/linker"
	"github.com/memohai/zapdesk/internal/metrics"
	"github.com/memohai/zapdesk/internal/settings"
)

const defaultClaimTTL = 10 * time.Minute

// ErrInvalidEvent marks a webhook rejected with 400.
var ErrInvalidEvent = errors.New("invalid webhook event")

// Status is the outcome reported to the provider.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusIgnored   Status = "ignored"
)

// Reasons for ignored events.
const (
	ReasonSelfEcho         = "self_echo"
	ReasonGroup            = "group_or_broadcast"
	ReasonAlreadyProcessed = "already_processed"
	ReasonNoContent        = "no_content"
	ReasonUnsupportedEvent = "unsupported_event"
	ReasonUnknownStatus    = "unknown_status"
	ReasonStaleStatus      = "stale_status"
	ReasonEditTargetAbsent = "edit_target_missing"
)

// Result is the gateway response body.
type Result struct {
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

func processed(messageID string) Result {
	return Result{Status: StatusProcessed, MessageID: messageID}
}

func ignored(reason string) Result {
	return Result{Status: StatusIgnored, Reason: reason}
}

// MessageStore is the subset of the message service the gateway writes to.
type MessageStore interface {
	Persist(ctx context.Context, m message.Message) (message.Message, bool, error)
	FindByProviderID(ctx context.Context, phone, providerID string) (message.Message, error)
	AdvanceStatus(ctx context.Context, phone, providerID string, status message.Status, at time.Time) (bool, error)
	Edit(ctx context.Context, phone, id, content string) (message.Message, error)
}

// ConversationRecorder merges provider activity into conversations.
type ConversationRecorder interface {
	Ensure(ctx context.Context, in conversation.Activity) (conversation.Conversation, error)
	RecordActivity(ctx context.Context, in conversation.Activity) (conversation.Conversation, error)
}

// Linker applies reactions and resolves quoted replies.
type Linker interface {
	ApplyReaction(ctx context.Context, ev linker.ReactionEvent) (linker.Result, error)
	ResolveReply(ctx context.Context, phone, providerID string) (*message.ReplyRef, error)
}

// MediaPersister republishes ephemeral media URLs.
type MediaPersister interface {
	Persist(ctx context.Context, input media.PersistInput) (media.Asset, error)
}

// InstanceUpdater records QR and connection events.
type InstanceUpdater interface {
	UpdateQRCode(ctx context.Context, code string) (instance.State, error)
	UpdateConnection(ctx context.Context, connected bool, status, phone string) (instance.State, error)
}

// SettingsReader exposes the AI settings.
type SettingsReader interface {
	Get(ctx context.Context) (settings.AISettings, error)
}

// Responder produces the automated reply for a stored customer message.
type Responder interface {
	Respond(ctx context.Context, conv conversation.Conversation, msg message.Message) error
}

// Gateway processes provider webhooks.
type Gateway struct {
	claims        idempotency.Claimer
	claimTTL      time.Duration
	messages      MessageStore
	conversations ConversationRecorder
	linker        Linker
	media         MediaPersister
	instance      InstanceUpdater
	settings      SettingsReader
	responder     Responder
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// NewGateway creates a gateway. A nil claimer falls back to a process-local
// one; a nil logger falls back to slog.Default().
func NewGateway(
	log *slog.Logger,
	claims idempotency.Claimer,
	messages MessageStore,
	conversations ConversationRecorder,
	linker Linker,
	instanceUpdater InstanceUpdater,
	settingsReader SettingsReader,
) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if claims == nil {
		claims = idempotency.NewLocalClaimer()
	}
	return &Gateway{
		claims:        claims,
		claimTTL:      defaultClaimTTL,
		messages:      messages,
		conversations: conversations,
		linker:        linker,
		instance:      instanceUpdater,
		settings:      settingsReader,
		logger:        log.With(slog.String("component", "webhook_gateway")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetMediaPersister enables republishing of inbound media.
func (g *Gateway) SetMediaPersister(p MediaPersister) {
	if g == nil {
		return
	}
	g.media = p
}

// SetResponder configures the AI responder for customer messages.
func (g *Gateway) SetResponder(r Responder) {
	if g == nil {
		return
	}
	g.responder = r
}

// SetMetrics configures webhook counters.
func (g *Gateway) SetMetrics(m *metrics.Metrics) {
	if g == nil {
		return
	}
	g.metrics = m
}

// SetClaimTTL overrides how long a processed event id stays claimed.
func (g *Gateway) SetClaimTTL(ttl time.Duration) {
	if g == nil || ttl <= 0 {
		return
	}
	g.claimTTL = ttl
}

// Handle decodes and processes one webhook body. Errors wrapping
// ErrInvalidEvent are client errors; any other error is an internal failure
// and the provider is expected to redeliver.
func (g *Gateway) Handle(ctx context.Context, body []byte) (Result, error) {
	started := time.Now()
	w, err := zapi.Decode(body)
	if err != nil {
		g.metrics.WebhookEvent("malformed", metrics.ResultFailed, time.Since(started))
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	res, err := g.dispatch(ctx, w)
	eventType := string(w.Type)
	if eventType == "" {
		eventType = "unknown"
	}
	switch {
	case err != nil:
		g.metrics.WebhookEvent(eventType, metrics.ResultFailed, time.Since(started))
	case res.Status == StatusIgnored:
		g.metrics.WebhookEvent(eventType, metrics.ResultIgnored, time.Since(started))
	default:
		g.metrics.WebhookEvent(eventType, metrics.ResultOK, time.Since(started))
	}
	return res, err
}

func (g *Gateway) dispatch(ctx context.Context, w zapi.Webhook) (Result, error) {
	switch w.Type {
	case zapi.EventReceived:
		return g.handleReceived(ctx, w)
	case zapi.EventMessageStatus, zapi.EventDelivery:
		return g.handleStatus(ctx, w)
	case zapi.EventQRCodeUpdated:
		if g.instance == nil {
			return ignored(ReasonUnsupportedEvent), nil
		}
		if _, err := g.instance.UpdateQRCode(ctx, w.QRCodeValue()); err != nil {
			return Result{}, fmt.Errorf("update qr code: %w", err)
		}
		return processed(""), nil
	case zapi.EventConnected, zapi.EventDisconnected, zapi.EventConnectionUpdate:
		if g.instance == nil {
			return ignored(ReasonUnsupportedEvent), nil
		}
		connected, status := w.ConnectionState()
		if _, err := g.instance.UpdateConnection(ctx, connected, status, w.ConnectedPhone); err != nil {
			return Result{}, fmt.Errorf("update connection: %w", err)
		}
		return processed(""), nil
	default:
		g.logger.Debug("webhook ignored", slog.String("type", string(w.Type)))
		return ignored(ReasonUnsupportedEvent), nil
	}
}

func (g *Gateway) handleStatus(ctx context.Context, w zapi.Webhook) (Result, error) {
	raw := w.Status
	if raw == "" && w.Type == zapi.EventDelivery {
		raw = "SENT"
	}
	status, ok := zapi.DeliveryStatus(raw)
	if !ok {
		return ignored(ReasonUnknownStatus), nil
	}
	if w.Phone == "" {
		return Result{}, fmt.Errorf("%w: phone is required", ErrInvalidEvent)
	}
	ids := w.StatusIDs()
	if len(ids) == 0 {
		return Result{}, fmt.Errorf("%w: messageId is required", ErrInvalidEvent)
	}
	at := w.Moment.Time(g.now())
	advanced := 0
	for _, id := range ids {
		ok, err := g.messages.AdvanceStatus(ctx, w.Phone, id, message.Status(status), at)
		if err != nil {
			return Result{}, fmt.Errorf("advance status: %w", err)
		}
		if ok {
			advanced++
		}
	}
	if advanced == 0 {
		return ignored(ReasonStaleStatus), nil
	}
	return processed(""), nil
}

func (g *Gateway) handleReceived(ctx context.Context, w zapi.Webhook) (res Result, err error) {
	if w.IsSelfEcho() {
		return ignored(ReasonSelfEcho), nil
	}
	if w.Phone == "" {
		return Result{}, fmt.Errorf("%w: phone is required", ErrInvalidEvent)
	}
	if w.MessageID == "" {
		return Result{}, fmt.Errorf("%w: messageId is required", ErrInvalidEvent)
	}
	if w.IsGroupChat() {
		return ignored(ReasonGroup), nil
	}

	key := idempotency.Key(string(w.Type), w.Phone, w.MessageID)
	if w.IsEdit {
		key = idempotency.Key("edit", w.Phone, w.MessageID+":"+strconv.FormatInt(int64(w.Moment), 10))
	}
	claimed, err := g.claims.Claim(ctx, key, g.claimTTL)
	if err != nil {
		return Result{}, fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		g.logger.Debug("duplicate webhook", slog.String("phone", w.Phone), slog.String("message_id", w.MessageID))
		return ignored(ReasonAlreadyProcessed), nil
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := g.claims.Release(context.WithoutCancel(ctx), key); rerr != nil {
			g.logger.Warn("release claim failed", slog.String("key", key), slog.Any("error", rerr))
		}
	}()

	switch {
	case w.Reaction != nil:
		return g.handleReaction(ctx, w)
	case w.IsEdit:
		return g.handleEdit(ctx, w)
	}
	return g.handleContent(ctx, w)
}

func (g *Gateway) handleReaction(ctx context.Context, w zapi.Webhook) (Result, error) {
	ev := linker.ReactionEvent{
		Phone:            w.Phone,
		EventID:          w.MessageID,
		TargetProviderID: w.Reaction.ReferencedMessage.MessageID,
		Emoji:            w.Reaction.Value,
		AuthorName:       w.DisplayName(),
		FromMe:           w.FromMe,
		At:               w.Reaction.Time.Time(w.Moment.Time(g.now())),
	}
	if !w.FromMe {
		ev.AuthorPhone = w.Phone
	}
	if strings.TrimSpace(ev.TargetProviderID) == "" {
		return Result{}, fmt.Errorf("%w: reaction target is required", ErrInvalidEvent)
	}
	// A tombstone for an unknown target still needs its conversation.
	if _, err := g.conversations.Ensure(ctx, conversation.Activity{
		Phone:       w.Phone,
		DisplayName: displayNameFor(w),
		AvatarURL:   avatarFor(w),
		At:          ev.At,
	}); err != nil {
		return Result{}, fmt.Errorf("ensure conversation: %w", err)
	}
	out, err := g.linker.ApplyReaction(ctx, ev)
	if err != nil {
		return Result{}, fmt.Errorf("apply reaction: %w", err)
	}
	if out.Outcome == linker.OutcomeDuplicate {
		return ignored(ReasonAlreadyProcessed), nil
	}
	return processed(out.Message.ID), nil
}

func (g *Gateway) handleEdit(ctx context.Context, w zapi.Webhook) (Result, error) {
	content := w.Content()
	text := strings.TrimSpace(content.Text)
	if text == "" {
		return ignored(ReasonNoContent), nil
	}
	target, err := g.messages.FindByProviderID(ctx, w.Phone, w.MessageID)
	if errors.Is(err, message.ErrNotFound) {
		return ignored(ReasonEditTargetAbsent), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("find edited message: %w", err)
	}
	updated, err := g.messages.Edit(ctx, w.Phone, target.ID, text)
	if err != nil {
		return Result{}, fmt.Errorf("apply edit: %w", err)
	}
	return processed(updated.ID), nil
}

func (g *Gateway) handleContent(ctx context.Context, w zapi.Webhook) (Result, error) {
	content := w.Content()
	if !content.HasContent() {
		return ignored(ReasonNoContent), nil
	}
	if _, err := g.messages.FindByProviderID(ctx, w.Phone, w.MessageID); err == nil {
		return ignored(ReasonAlreadyProcessed), nil
	} else if !errors.Is(err, message.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup message: %w", err)
	}

	at := w.Moment.Time(g.now())
	msg := message.Message{
		Phone:             w.Phone,
		ProviderMessageID: w.MessageID,
		Content:           strings.TrimSpace(content.Text),
		Timestamp:         at,
		StatusAt:          at,
	}
	if w.FromMe {
		msg.Role = message.RoleAgent
		msg.Origin = message.OriginDevice
		msg.FromMe = true
		msg.Status = message.StatusSent
	} else {
		msg.Role = message.RoleUser
		msg.Origin = message.OriginCustomer
		msg.Status = message.StatusDelivered
	}
	if content.MediaURL != "" {
		msg.Media = g.persistMedia(ctx, w.Phone, content)
	}
	replyTo, err := g.linker.ResolveReply(ctx, w.Phone, w.ReferenceMessageID)
	if err != nil {
		return Result{}, err
	}
	msg.ReplyTo = replyTo

	activity := conversation.Activity{
		Phone:        w.Phone,
		DisplayName:  displayNameFor(w),
		AvatarURL:    avatarFor(w),
		Preview:      message.Preview(msg.Content, msg.Media),
		At:           at,
		FromCustomer: !w.FromMe,
	}
	if _, err := g.conversations.Ensure(ctx, activity); err != nil {
		return Result{}, fmt.Errorf("ensure conversation: %w", err)
	}
	saved, inserted, err := g.messages.Persist(ctx, msg)
	if err != nil {
		return Result{}, fmt.Errorf("persist message: %w", err)
	}
	if !inserted {
		return ignored(ReasonAlreadyProcessed), nil
	}
	// Counters and the inbound transition are merged only for the delivery
	// that wrote the row.
	activity.AIAvailable = g.aiAvailable(ctx)
	conv, err := g.conversations.RecordActivity(ctx, activity)
	if err != nil {
		return Result{}, fmt.Errorf("record activity: %w", err)
	}
	g.logger.Info("inbound message stored",
		slog.String("phone", saved.Phone),
		slog.String("message_id", saved.ID),
		slog.String("origin", string(saved.Origin)),
		slog.String("conversation_status", string(conv.Status)),
	)

	if !saved.FromMe && g.responder != nil && conv.AIResponds() {
		if err := g.responder.Respond(ctx, conv, saved); err != nil {
			g.logger.Error("ai responder failed",
				slog.String("phone", saved.Phone),
				slog.String("message_id", saved.ID),
				slog.Any("error", err),
			)
		}
	}
	return processed(saved.ID), nil
}

// persistMedia republishes the provider URL. On failure the message keeps the
// original URL.
func (g *Gateway) persistMedia(ctx context.Context, phone string, content zapi.Content) *message.Media {
	m := &message.Media{
		Type:        message.MediaType(content.MediaType),
		URL:         content.MediaURL,
		OriginalURL: content.MediaURL,
		Mime:        content.Mime,
		Caption:     strings.TrimSpace(content.Caption),
		FileName:    strings.TrimSpace(content.FileName),
	}
	if g.media == nil {
		return m
	}
	asset, err := g.media.Persist(ctx, media.PersistInput{
		SourceURL: content.MediaURL,
		MediaType: media.MediaType(content.MediaType),
		Phone:     phone,
		FileName:  content.FileName,
		Mime:      content.Mime,
	})
	if err != nil {
		g.metrics.MediaPersist(content.MediaType, metrics.ResultFallback)
		g.logger.Warn("media persistence failed, keeping provider url",
			slog.String("phone", phone),
			slog.String("media_type", content.MediaType),
			slog.Any("error", err),
		)
		return m
	}
	g.metrics.MediaPersist(content.MediaType, metrics.ResultOK)
	m.URL = asset.URL
	m.Mime = asset.Mime
	m.Persisted = true
	return m
}

func (g *Gateway) aiAvailable(ctx context.Context) bool {
	if g.settings == nil {
		return false
	}
	s, err := g.settings.Get(ctx)
	if err != nil {
		g.logger.Warn("load ai settings failed", slog.Any("error", err))
		return false
	}
	return s.Enabled
}

// displayNameFor ignores names on device messages, where the sender is the
// business itself.
func displayNameFor(w zapi.Webhook) string {
	if w.FromMe {
		return strings.TrimSpace(w.ChatName)
	}
	return w.DisplayName()
}

func avatarFor(w zapi.Webhook) string {
	if w.FromMe {
		return strings.TrimSpace(w.Photo)
	}
	return w.AvatarURL()
}
