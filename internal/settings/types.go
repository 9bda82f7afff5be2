package settings

import (
	"context"
	"strings"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 50
	MaxTemperature      = 2.0
)

// Business webhook categories, matching the intent table.
const (
	CategoryLeadCapture        = "lead_capture"
	CategoryAppointmentBooking = "appointment_booking"
	CategoryPayment            = "payment"
	CategorySupportTicket      = "support_ticket"
	CategoryHumanHandoff       = "human_handoff"
)

// BusinessWebhooks maps each intent category to an operator URL. Empty URLs
// disable the category.
type BusinessWebhooks struct {
	LeadCapture        string `json:"lead_capture"`
	AppointmentBooking string `json:"appointment_booking"`
	Payment            string `json:"payment"`
	SupportTicket      string `json:"support_ticket"`
	HumanHandoff       string `json:"human_handoff"`
}

// URLFor returns the configured URL for category.
func (w BusinessWebhooks) URLFor(category string) string {
	switch category {
	case CategoryLeadCapture:
		return strings.TrimSpace(w.LeadCapture)
	case CategoryAppointmentBooking:
		return strings.TrimSpace(w.AppointmentBooking)
	case CategoryPayment:
		return strings.TrimSpace(w.Payment)
	case CategorySupportTicket:
		return strings.TrimSpace(w.SupportTicket)
	case CategoryHumanHandoff:
		return strings.TrimSpace(w.HumanHandoff)
	default:
		return ""
	}
}

// AISettings configures the automated responder.
type AISettings struct {
	Enabled          bool             `json:"enabled"`
	SystemPrompt     string           `json:"system_prompt"`
	Model            string           `json:"model"`
	Temperature      float64          `json:"temperature"`
	MaxTokens        int              `json:"max_tokens"`
	FallbackMessage  string           `json:"fallback_message"`
	HistoryLimit     int              `json:"history_limit"`
	BusinessWebhooks BusinessWebhooks `json:"business_webhooks"`
}

// UpsertRequest is a partial settings update from the panel.
type UpsertRequest struct {
	Enabled          *bool             `json:"enabled,omitempty"`
	SystemPrompt     *string           `json:"system_prompt,omitempty"`
	Model            *string           `json:"model,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens        *int              `json:"max_tokens,omitempty" validate:"omitempty,gt=0,lte=8192"`
	FallbackMessage  *string           `json:"fallback_message,omitempty"`
	HistoryLimit     *int              `json:"history_limit,omitempty" validate:"omitempty,gte=0,lte=50"`
	BusinessWebhooks *BusinessWebhooks `json:"business_webhooks,omitempty"`
}

// Repository persists the AI settings singleton. ok is false when nothing
// has been saved yet.
type Repository interface {
	GetAISettings(ctx context.Context) (AISettings, bool, error)
	SaveAISettings(ctx context.Context, s AISettings) error
}
