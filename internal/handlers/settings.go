package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/zapdesk/internal/instance"
	"github.com/memohai/zapdesk/internal/settings"
)

// SettingsService reads and updates the AI settings singleton.
type SettingsService interface {
	Get(ctx context.Context) (settings.AISettings, error)
	Upsert(ctx context.Context, req settings.UpsertRequest) (settings.AISettings, error)
}

// InstanceReader reads the provider instance state.
type InstanceReader interface {
	Get(ctx context.Context) (instance.State, error)
}

type SettingsHandler struct {
	service  SettingsService
	instance InstanceReader
	logger   *slog.Logger
}

func NewSettingsHandler(log *slog.Logger, service SettingsService, instanceReader InstanceReader) *SettingsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SettingsHandler{
		service:  service,
		instance: instanceReader,
		logger:   log.With(slog.String("handler", "settings")),
	}
}

func (h *SettingsHandler) Register(e *echo.Echo) {
	e.GET("/settings/ai", h.GetAI)
	e.PUT("/settings/ai", h.UpsertAI)
	e.GET("/instance", h.GetInstance)
}

// GetAI godoc
// @Summary Get AI responder settings
// @Tags settings
// @Produce json
// @Success 200 {object} settings.AISettings
// @Router /settings/ai [get]
func (h *SettingsHandler) GetAI(c echo.Context) error {
	resp, err := h.service.Get(c.Request().Context())
	if err != nil {
		return httpError(h.logger, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// UpsertAI godoc
// @Summary Update AI responder settings
// @Tags settings
// @Accept json
// @Produce json
// @Param request body settings.UpsertRequest true "Partial settings"
// @Success 200 {object} settings.AISettings
// @Failure 400 {object} ErrorResponse
// @Router /settings/ai [put]
func (h *SettingsHandler) UpsertAI(c echo.Context) error {
	var req settings.UpsertRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	resp, err := h.service.Upsert(c.Request().Context(), req)
	if err != nil {
		return httpError(h.logger, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetInstance godoc
// @Summary Get the WhatsApp instance connection state
// @Tags settings
// @Produce json
// @Success 200 {object} instance.State
// @Router /instance [get]
func (h *SettingsHandler) GetInstance(c echo.Context) error {
	if h.instance == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "instance service not configured")
	}
	resp, err := h.instance.Get(c.Request().Context())
	if err != nil {
		return httpError(h.logger, err)
	}
	return c.JSON(http.StatusOK, resp)
}
