package providerchecker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/zapdesk/internal/channel/adapters/zapi"
	"github.com/memohai/zapdesk/internal/healthcheck"
)

const checkTypeProviderConnection = "provider.connection"

// StatusReader queries the provider instance state.
type StatusReader interface {
	Configured() bool
	Status(ctx context.Context) (zapi.ConnectionStatus, error)
}

// Checker evaluates the WhatsApp provider connection.
type Checker struct {
	logger *slog.Logger
	reader StatusReader
}

// NewChecker creates a provider health checker.
func NewChecker(log *slog.Logger, reader StatusReader) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_provider")),
		reader: reader,
	}
}

// ListChecks reports one item for the provider instance.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:       checkTypeProviderConnection + ".zapi",
		Type:     checkTypeProviderConnection,
		Subtitle: "zapi",
		Status:   healthcheck.StatusError,
	}
	if c.reader == nil || !c.reader.Configured() {
		item.Status = healthcheck.StatusWarn
		item.Summary = "Provider credentials are not configured."
		return []healthcheck.CheckResult{item}
	}
	st, err := c.reader.Status(ctx)
	if err != nil {
		c.logger.Warn("provider status check failed", slog.Any("error", err))
		item.Summary = "Provider status request failed."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}
	item.Metadata = map[string]any{
		"connected":            st.Connected,
		"smartphone_connected": st.SmartphoneConnected,
	}
	switch {
	case st.Connected && st.SmartphoneConnected:
		item.Status = healthcheck.StatusOK
		item.Summary = "WhatsApp number is connected."
	case st.Connected:
		item.Status = healthcheck.StatusWarn
		item.Summary = "Instance is connected but the phone is offline."
	default:
		item.Summary = "WhatsApp number is disconnected."
		item.Detail = strings.TrimSpace(st.Error)
	}
	return []healthcheck.CheckResult{item}
}
