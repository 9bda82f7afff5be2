package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/zapdesk/internal/message/event"
)

const (
	eventsBuffer     = 64
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = eventsPongWait * 9 / 10
)

// EventsHandler streams hub events to panel clients over WebSocket.
type EventsHandler struct {
	events   event.Subscriber
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewEventsHandler(log *slog.Logger, events event.Subscriber) *EventsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EventsHandler{
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The panel is served from another origin; the JWT is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "events")),
	}
}

func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/events", h.Stream)
}

// Stream godoc
// @Summary Live feed of conversation, message and instance events
// @Tags events
// @Param phone query string false "Only events for this conversation"
// @Param token query string false "JWT when headers cannot be set"
// @Success 101
// @Router /events [get]
func (h *EventsHandler) Stream(c echo.Context) error {
	if h.events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream not configured")
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	defer func() { _ = conn.Close() }()

	phone := strings.TrimSpace(c.QueryParam("phone"))
	subID, stream, cancel := h.events.Subscribe(phone, eventsBuffer)
	defer cancel()
	h.logger.Debug("events client connected", slog.String("subscription", subID), slog.String("phone", phone))

	closed := make(chan struct{})
	go h.readLoop(conn, closed)

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return nil
		case ev, ok := <-stream:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(eventsWriteWait))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("events client write failed", slog.Any("error", err))
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return nil
			}
		}
	}
}

// readLoop drains client frames so pongs and close frames are processed.
func (h *EventsHandler) readLoop(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
