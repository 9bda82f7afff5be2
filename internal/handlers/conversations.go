package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/zapdesk/internal/auth"
	"github.com/memohai/zapdesk/internal/conversation"
	"github.com/memohai/zapdesk/internal/message"
)

// ConversationService is the panel's view of the state machine.
type ConversationService interface {
	Get(ctx context.Context, phone string) (conversation.Conversation, error)
	List(ctx context.Context, filter conversation.ListFilter) ([]conversation.Conversation, error)
	Assume(ctx context.Context, phone string, ev conversation.Event) (conversation.Conversation, error)
	Resolve(ctx context.Context, phone string, ev conversation.Event) (conversation.Conversation, error)
	ReturnToAI(ctx context.Context, phone string, ev conversation.Event) (conversation.Conversation, error)
	MarkRead(ctx context.Context, phone string) (conversation.Conversation, error)
}

// MessageLister reads conversation history pages.
type MessageLister interface {
	List(ctx context.Context, q message.Query) ([]message.Message, error)
}

// ConversationHandler serves conversation listing and ownership actions.
type ConversationHandler struct {
	conversations ConversationService
	messages      MessageLister
	logger        *slog.Logger
}

// TransitionRequest carries optional context for agent actions.
type TransitionRequest struct {
	DepartmentID string `json:"department_id" validate:"max=128"`
	Reason       string `json:"reason" validate:"max=500"`
}

func NewConversationHandler(log *slog.Logger, conversations ConversationService, messages MessageLister) *ConversationHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		logger:        log.With(slog.String("handler", "conversation")),
	}
}

func (h *ConversationHandler) Register(e *echo.Echo) {
	e.GET("/conversations", h.List)
	group := e.Group("/conversations/:phone")
	group.GET("", h.Get)
	group.GET("/messages", h.ListMessages)
	group.POST("/assume", h.Assume)
	group.POST("/resolve", h.Resolve)
	group.POST("/return-to-ai", h.ReturnToAI)
	group.POST("/read", h.MarkRead)
}

// List godoc
// @Summary List conversations
// @Tags conversations
// @Produce json
// @Param status query string false "ai_active, waiting, agent_assigned or resolved"
// @Param limit query int false "Page size"
// @Success 200 {array} conversation.Conversation
// @Failure 400 {object} ErrorResponse
// @Router /conversations [get]
func (h *ConversationHandler) List(c echo.Context) error {
	filter := conversation.ListFilter{}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		status := conversation.Status(raw)
		if !conversation.ValidStatus(status) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
		}
		filter.Status = status
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	filter.Limit = limit
	items, err := h.conversations.List(c.Request().Context(), filter)
	if err != nil {
		return httpError(h.logger, err)
	}
	return c.JSON(http.StatusOK, items)
}

// Get godoc
// @Summary Get a conversation
// @Tags conversations
// @Produce json
// @Param phone path string true "Customer phone"
// @Success 200 {object} conversation.Conversation
// @Failure 404 {object} ErrorResponse
// @Router /conversations/{phone} [get]
func (h *ConversationHandler) Get(c echo.Context) error {
	item, err := h.conversations.Get(c.Request().Context(), c.Param("phone"))
	if err != nil {
		return httpError(h.logger, err)
	}
	return c.JSON(http.StatusOK, item)
}

// ListMessages godoc
// @Summary List conversation messages, oldest first
// @Tags conversations
// @Produce json
// @Param phone path string true "Customer phone"
// @Param before query string false "RFC3339 cursor"
// @Param limit query int false "Page size"
// @Success 200 {array} message.Message
// @Router /conversations/{phone}/messages [get]
func (h *ConversationHandler) ListMessages(c echo.Context) error {
	q := message.Query{Phone: c.Param("phone")}
	if raw := strings.TrimSpace(c.QueryParam("before")); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be RFC3339")
		}
		q.Before = before
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	q.Limit = limit
	if _, err := h.conversations.Get(c.Request().Context(), q.Phone); err != nil {
		return httpError(h.logger, err)
	}
	items, err := h.messages.List(c.Request().Context(), q)
	if err != nil {
		return httpError(h.logger, err)
	}
	return c.JSON(http.StatusOK, items)
}

// Assume godoc
// @Summary Hand a conversation to the calling agent
// @Tags conversations
// @Accept json
// @Produce json
// @Param phone path string true "Customer phone"
// @Param request body TransitionRequest false "Department and reason"
// @Success 200 {object} conversation.Conversation
// @Failure 409 {object} ErrorResponse
// @Router /conversations/{phone}/assume [post]
func (h *ConversationHandler) Assume(c echo.Context) error {
	return h.transition(c, h.conversations.Assume)
}

// Resolve godoc
// @Summary Mark an agent-owned conversation as resolved
// @Tags conversations
// @Produce json
// @Param phone path string true "Customer phone"
// @Success 200 {object} conversation.Conversation
// @Failure 409 {object} ErrorResponse
// @Router /conversations/{phone}/resolve [post]
func (h *ConversationHandler) Resolve(c echo.Context) error {
	return h.transition(c, h.conversations.Resolve)
}

// ReturnToAI godoc
// @Summary Give a conversation back to the AI responder
// @Tags conversations
// @Produce json
// @Param phone path string true "Customer phone"
// @Success 200 {object} conversation.Conversation
// @Failure 409 {object} ErrorResponse
// @Router /conversations/{phone}/return-to-ai [post]
func (h *ConversationHandler) ReturnToAI(c echo.Context) error {
	return h.transition(c, h.conversations.ReturnToAI)
}

// MarkRead godoc
// @Summary Reset the unread counter
// @Tags conversations
// @Produce json
// @Param phone path string true "Customer phone"
// @Success 200 {object} conversation.Conversation
// @Router /conversations/{phone}/read [post]
func (h *ConversationHandler) MarkRead(c echo.Context) error {
	item, err := h.conversations.MarkRead(c.Request().Context(), c.Param("phone"))
	if err != nil {
		return httpError(h.logger, err)
	}
	return c.JSON(http.StatusOK, item)
}

type transitionFunc func(ctx context.Context, phone string, ev conversation.Event) (conversation.Conversation, error)

func (h *ConversationHandler) transition(c echo.Context, fn transitionFunc) error {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req TransitionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	item, err := fn(c.Request().Context(), c.Param("phone"), conversation.Event{
		AgentID:      agent.ID,
		AgentName:    agent.Name,
		DepartmentID: strings.TrimSpace(req.DepartmentID),
		Reason:       strings.TrimSpace(req.Reason),
	})
	if err != nil {
		return httpError(h.logger, err)
	}
	return c.JSON(http.StatusOK, item)
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return v, nil
}
