// Package flow runs the automated responder: history assembly, completion
// with fallback, intent classification and business webhooks.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/memohai/zapdesk/internal/channel"
	"github.com/memohai/zapdesk/internal/chat"
	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/metrics"
	"github.com/memohai/zapdesk/internal/prune"
	"github.com/memohai/zapdesk/internal/settings"
)

// DefaultFallback is sent when the completion fails and no fallback message
// is configured.
const DefaultFallback = "Desculpe, não consegui responder agora. Um atendente vai falar com você em breve."

// Completer runs a chat completion.
type Completer interface {
	Chat(ctx context.Context, req chat.Request) (chat.Result, error)
}

// HistoryReader returns the latest messages of a conversation in order.
type HistoryReader interface {
	Latest(ctx context.Context, phone string, limit int) ([]message.Message, error)
}

// Replier sends the assistant reply.
type Replier interface {
	SendText(ctx context.Context, req channel.TextRequest) (message.Message, error)
}

// SettingsReader exposes the AI settings.
type SettingsReader interface {
	Get(ctx context.Context) (settings.AISettings, error)
}

// Orchestrator answers customer messages on AI-owned conversations.
type Orchestrator struct {
	completer Completer
	history   HistoryReader
	replier   Replier
	settings  SettingsReader
	notifier  *Notifier
	table     KeywordTable
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator. A nil notifier disables business
// webhooks.
func NewOrchestrator(
	log *slog.Logger,
	completer Completer,
	history HistoryReader,
	replier Replier,
	settingsReader SettingsReader,
	notifier *Notifier,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		completer: completer,
		history:   history,
		replier:   replier,
		settings:  settingsReader,
		notifier:  notifier,
		table:     DefaultTable(),
		logger:    log.With(slog.String("service", "ai_orchestrator")),
	}
}

// SetMetrics configures completion counters.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	if o == nil {
		return
	}
	o.metrics = m
}

// Respond classifies msg, fires business webhooks, and sends the AI reply.
// Completion failures fall back to the configured message; only a failed
// dispatch is returned as an error.
func (o *Orchestrator) Respond(ctx context.Context, conv conversation.Conversation, msg message.Message) error {
	if !conv.AIResponds() || msg.FromMe {
		return nil
	}
	cfg, err := o.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load ai settings: %w", err)
	}
	if !cfg.Enabled {
		return nil
	}

	text := userText(msg)
	classification := o.table.Classify(text)
	if o.notifier != nil && len(classification.Matches) > 0 {
		started := o.notifier.Notify(ctx, Trigger{
			Phone:          conv.Phone,
			DisplayName:    conv.DisplayName,
			Text:           text,
			MessageID:      msg.ID,
			Classification: classification,
		}, cfg.BusinessWebhooks)
		if top, ok := classification.Top(); ok {
			o.logger.Info("intent detected",
				slog.String("phone", conv.Phone),
				slog.String("category", top.Category),
				slog.Float64("confidence", top.Confidence),
				slog.Int("webhooks", started),
			)
		}
	}

	reply := o.complete(ctx, cfg, conv.Phone, msg, text)
	if _, err := o.replier.SendText(ctx, channel.TextRequest{
		Phone:  conv.Phone,
		Text:   reply,
		Author: channel.AIAuthor,
	}); err != nil {
		return fmt.Errorf("send ai reply: %w", err)
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, cfg settings.AISettings, phone string, msg message.Message, text string) string {
	fallback := strings.TrimSpace(cfg.FallbackMessage)
	if fallback == "" {
		fallback = DefaultFallback
	}
	fallback = clipReply(fallback)
	if o.completer == nil {
		return fallback
	}

	history, err := o.history.Latest(ctx, phone, cfg.HistoryLimit+1)
	if err != nil {
		o.logger.Warn("load history failed", slog.String("phone", phone), slog.Any("error", err))
		history = nil
	}
	req := chat.Request{
		Messages: BuildMessages(cfg.SystemPrompt, history, msg.ID, text, cfg.HistoryLimit),
		Model:    cfg.Model,
	}
	temperature := cfg.Temperature
	req.Temperature = &temperature
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}

	started := time.Now()
	res, err := o.completer.Chat(ctx, req)
	if err != nil {
		o.metrics.AICompletion(metrics.ResultFallback, time.Since(started))
		o.logger.Warn("completion failed, using fallback message",
			slog.String("phone", phone),
			slog.Any("error", err),
		)
		return fallback
	}
	reply := strings.TrimSpace(res.Message.Content)
	if reply == "" {
		o.metrics.AICompletion(metrics.ResultFallback, time.Since(started))
		o.logger.Warn("empty completion, using fallback message", slog.String("phone", phone))
		return fallback
	}
	o.metrics.AICompletion(metrics.ResultOK, time.Since(started))
	return clipReply(reply)
}

// clipReply keeps text within the provider's single-message limit.
func clipReply(text string) string {
	if utf8.RuneCountInString(text) <= channel.MaxTextRunes {
		return text
	}
	return message.Truncate(text, channel.MaxTextRunes-1)
}

// BuildMessages assembles [system] + the last limit history entries + the
// current user message. The current message is skipped in history by id.
func BuildMessages(systemPrompt string, history []message.Message, currentID, text string, limit int) []chat.Message {
	out := make([]chat.Message, 0, limit+2)
	if prompt := strings.TrimSpace(systemPrompt); prompt != "" {
		out = append(out, chat.Message{Role: chat.RoleSystem, Content: prompt})
	}
	turns := make([]chat.Message, 0, len(history))
	for _, m := range history {
		if m.ID == currentID || m.Deleted || m.Role == message.RoleSystem {
			continue
		}
		content := prune.Text(userText(m), prune.Config{})
		if content == "" {
			continue
		}
		role := chat.RoleUser
		if m.Role == message.RoleAgent || m.Role == message.RoleAI {
			role = chat.RoleAssistant
		}
		turns = append(turns, chat.Message{Role: role, Content: content})
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out = append(out, turns...)
	return append(out, chat.Message{Role: chat.RoleUser, Content: text})
}

// userText is the message text, or its preview for media without caption.
func userText(m message.Message) string {
	if text := strings.TrimSpace(m.Content); text != "" {
		return text
	}
	if m.Media != nil {
		return message.Preview("", m.Media)
	}
	return ""
}
