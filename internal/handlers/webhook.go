package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/memohai/zapdesk/internal/channel/inbound"
)

const (
	webhookBodyLimit   = "1M"
	webhookTokenHeader = "X-Webhook-Token"
)

// WebhookProcessor handles one provider callback body.
type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte) (inbound.Result, error)
}

// WebhookHandler receives provider callbacks.
type WebhookHandler struct {
	processor WebhookProcessor
	token     string
	logger    *slog.Logger
}

// NewWebhookHandler creates a webhook handler. An empty token disables the
// shared-token check.
func NewWebhookHandler(log *slog.Logger, processor WebhookProcessor, token string) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		processor: processor,
		token:     strings.TrimSpace(token),
		logger:    log.With(slog.String("handler", "webhook")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/zapi", h.Receive, middleware.BodyLimit(webhookBodyLimit))
}

// Receive godoc
// @Summary Receive a provider callback
// @Tags webhooks
// @Accept json
// @Produce json
// @Param token query string false "Shared webhook token"
// @Success 200 {object} inbound.Result
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /webhooks/zapi [post]
func (h *WebhookHandler) Receive(c echo.Context) error {
	if !h.authorized(c) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook token")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	res, err := h.processor.Handle(c.Request().Context(), body)
	if err != nil {
		if errors.Is(err, inbound.ErrInvalidEvent) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		h.logger.Error("webhook processing failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook processing failed")
	}
	return c.JSON(http.StatusOK, res)
}

func (h *WebhookHandler) authorized(c echo.Context) bool {
	if h.token == "" {
		return true
	}
	got := strings.TrimSpace(c.QueryParam("token"))
	if got == "" {
		got = strings.TrimSpace(c.Request().Header.Get(webhookTokenHeader))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}
