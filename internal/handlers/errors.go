package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/zapdesk/internal/channel"
	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/media"
	"github.com/memohai/zapdesk/internal/message"
	"github.com/memohai/zapdesk/internal/settings"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// DispatchFailure is returned with 502 when the provider rejected a send.
// The stored row is included so the panel can show it as failed.
type DispatchFailure struct {
	Message string          `json:"message"`
	Data    message.Message `json:"data"`
}

// httpError translates a service error into an echo error. Unknown errors are
// logged and reported as 500.
func httpError(log *slog.Logger, err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, channel.ErrValidation),
		errors.Is(err, conversation.ErrAgentRequired),
		errors.Is(err, settings.ErrInvalidWebhookURL),
		errors.Is(err, media.ErrInvalidURL),
		errors.Is(err, media.ErrUnreachable),
		errors.Is(err, media.ErrPathTraversal):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, message.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrInvalidTransition),
		errors.Is(err, channel.ErrNotAllowed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, channel.ErrDispatchFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		log.Error("request failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
