package handlers

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// MediaOpener reads locally stored media.
type MediaOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)
}

// MediaHandler serves media persisted by the local storage provider.
type MediaHandler struct {
	media  MediaOpener
	logger *slog.Logger
}

func NewMediaHandler(log *slog.Logger, media MediaOpener) *MediaHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MediaHandler{media: media, logger: log.With(slog.String("handler", "media"))}
}

func (h *MediaHandler) Register(e *echo.Echo) {
	e.GET("/media/*", h.Serve)
}

// Serve godoc
// @Summary Serve a persisted media file
// @Tags media
// @Param key path string true "Storage key"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /media/{key} [get]
func (h *MediaHandler) Serve(c echo.Context) error {
	key := strings.TrimSpace(c.Param("*"))
	if key == "" {
		return echo.NewHTTPError(http.StatusNotFound, "media not found")
	}
	reader, contentType, err := h.media.Open(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return echo.NewHTTPError(http.StatusNotFound, "media not found")
		}
		return httpError(h.logger, err)
	}
	defer func() { _ = reader.Close() }()
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=31536000, immutable")
	return c.Stream(http.StatusOK, contentType, reader)
}
