package storechecker

import (
	"context"
	"log/slog"
	"sort"

	"github.com/memohai/zapdesk/internal/healthcheck"
)

const checkTypeStorePing = "store.ping"

// Pinger is a backing service that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker pings named backing services such as postgres and redis.
type Checker struct {
	logger  *slog.Logger
	pingers map[string]Pinger
}

// NewChecker creates a store checker. Nil pingers are skipped.
func NewChecker(log *slog.Logger, pingers map[string]Pinger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	filtered := make(map[string]Pinger, len(pingers))
	for name, p := range pingers {
		if p != nil {
			filtered[name] = p
		}
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_store")),
		pingers: filtered,
	}
}

// ListChecks pings every service in name order.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	names := make([]string, 0, len(c.pingers))
	for name := range c.pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]healthcheck.CheckResult, 0, len(names))
	for _, name := range names {
		item := healthcheck.CheckResult{
			ID:       checkTypeStorePing + "." + name,
			Type:     checkTypeStorePing,
			Subtitle: name,
			Status:   healthcheck.StatusOK,
			Summary:  name + " is reachable.",
		}
		if err := c.pingers[name].Ping(ctx); err != nil {
			c.logger.Warn("store ping failed", slog.String("store", name), slog.Any("error", err))
			item.Status = healthcheck.StatusError
			item.Summary = name + " is unreachable."
			item.Detail = err.Error()
		}
		checks = append(checks, item)
	}
	return checks
}
