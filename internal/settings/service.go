package settings

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

type Service struct {
	repo     Repository
	defaults AISettings
	logger   *slog.Logger
}

func NewService(log *slog.Logger, repo Repository, defaults AISettings) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:     repo,
		defaults: normalize(defaults),
		logger:   log.With(slog.String("service", "settings")),
	}
}

// Get returns the stored settings, or the configured defaults when none
// have been saved.
func (s *Service) Get(ctx context.Context) (AISettings, error) {
	if s.repo == nil {
		return s.defaults, nil
	}
	stored, ok, err := s.repo.GetAISettings(ctx)
	if err != nil {
		return AISettings{}, err
	}
	if !ok {
		return s.defaults, nil
	}
	return normalize(stored), nil
}

// Upsert merges req into the current settings and persists the result.
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (AISettings, error) {
	if s.repo == nil {
		return AISettings{}, fmt.Errorf("settings repository not configured")
	}
	current, err := s.Get(ctx)
	if err != nil {
		return AISettings{}, err
	}
	if req.Enabled != nil {
		current.Enabled = *req.Enabled
	}
	if req.SystemPrompt != nil {
		current.SystemPrompt = strings.TrimSpace(*req.SystemPrompt)
	}
	if req.Model != nil && strings.TrimSpace(*req.Model) != "" {
		current.Model = strings.TrimSpace(*req.Model)
	}
	if req.Temperature != nil {
		current.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		current.MaxTokens = *req.MaxTokens
	}
	if req.FallbackMessage != nil && strings.TrimSpace(*req.FallbackMessage) != "" {
		current.FallbackMessage = strings.TrimSpace(*req.FallbackMessage)
	}
	if req.HistoryLimit != nil {
		current.HistoryLimit = *req.HistoryLimit
	}
	if req.BusinessWebhooks != nil {
		hooks := *req.BusinessWebhooks
		for _, raw := range []string{hooks.LeadCapture, hooks.AppointmentBooking, hooks.Payment, hooks.SupportTicket, hooks.HumanHandoff} {
			if err := validateWebhookURL(raw); err != nil {
				return AISettings{}, err
			}
		}
		current.BusinessWebhooks = hooks
	}
	current = normalize(current)
	if err := s.repo.SaveAISettings(ctx, current); err != nil {
		return AISettings{}, err
	}
	s.logger.Info("ai settings updated", slog.Bool("enabled", current.Enabled), slog.String("model", current.Model))
	return current, nil
}

func normalize(s AISettings) AISettings {
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = DefaultHistoryLimit
	}
	if s.HistoryLimit > MaxHistoryLimit {
		s.HistoryLimit = MaxHistoryLimit
	}
	if s.Temperature < 0 {
		s.Temperature = 0
	}
	if s.Temperature > MaxTemperature {
		s.Temperature = MaxTemperature
	}
	return s
}

func validateWebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidWebhookURL, raw)
	}
	return nil
}
