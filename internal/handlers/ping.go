package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/zapdesk/internal/healthcheck"
)

// HealthReporter runs the registered health checks.
type HealthReporter interface {
	Run(ctx context.Context) healthcheck.Report
}

type PingHandler struct {
	health  HealthReporter
	metrics http.Handler
	logger  *slog.Logger
}

func NewPingHandler(log *slog.Logger, health HealthReporter, metrics http.Handler) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{
		health:  health,
		metrics: metrics,
		logger:  log.With(slog.String("handler", "ping")),
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health/checks", h.Checks)
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics))
	}
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Checks godoc
// @Summary Run dependency health checks
// @Tags health
// @Produce json
// @Success 200 {object} healthcheck.Report
// @Failure 503 {object} healthcheck.Report
// @Router /health/checks [get]
func (h *PingHandler) Checks(c echo.Context) error {
	if h.health == nil {
		return c.JSON(http.StatusOK, healthcheck.Report{Status: healthcheck.StatusUnknown})
	}
	report := h.health.Run(c.Request().Context())
	status := http.StatusOK
	if report.Status == healthcheck.StatusError {
		status = http.StatusServiceUnavailable
		h.logger.Warn("health checks failing", slog.Int("checks", len(report.Checks)))
	}
	return c.JSON(status, report)
}
