package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/zapdesk/internal/auth"
	"github.com/memohai/zapdesk/internal/channel"
	"github.com/memohai/zapdesk/internal/message"
)

// Dispatcher performs outbound sends and message actions.
type Dispatcher interface {
	SendText(ctx context.Context, req channel.TextRequest) (message.Message, error)
	SendMedia(ctx context.Context, req channel.MediaRequest) (message.Message, error)
	Resend(ctx context.Context, phone, id string) (message.Message, error)
	Edit(ctx context.Context, phone, id, text string) (message.Message, error)
	Delete(ctx context.Context, phone, id string) (message.Message, error)
	React(ctx context.Context, phone, id, emoji string, author channel.Author) (message.Message, error)
	Info(ctx context.Context, phone, id string) (message.Message, error)
}

// MessageHandler serves the panel send and message-action endpoints.
type MessageHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// SendTextRequest is the body of a text send.
type SendTextRequest struct {
	Text    string `json:"text" validate:"required,max=4096"`
	ReplyTo string `json:"reply_to"`
}

// SendMediaRequest is the body of a media send.
type SendMediaRequest struct {
	Kind     string `json:"kind" validate:"required,oneof=image audio video document"`
	URL      string `json:"url" validate:"required,url"`
	Caption  string `json:"caption" validate:"max=1024"`
	FileName string `json:"file_name" validate:"max=255"`
	ReplyTo  string `json:"reply_to"`
}

// EditRequest replaces the text of a sent message.
type EditRequest struct {
	Text string `json:"text" validate:"required,max=4096"`
}

// ReactionRequest sets or, with an empty emoji, removes the instance reaction.
type ReactionRequest struct {
	Emoji string `json:"emoji" validate:"max=16"`
}

func NewMessageHandler(log *slog.Logger, dispatcher Dispatcher) *MessageHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MessageHandler{
		dispatcher: dispatcher,
		logger:     log.With(slog.String("handler", "message")),
	}
}

func (h *MessageHandler) Register(e *echo.Echo) {
	group := e.Group("/conversations/:phone")
	group.POST("/messages", h.SendText)
	group.POST("/media", h.SendMedia)
	group.GET("/messages/:id", h.Info)
	group.PATCH("/messages/:id", h.Edit)
	group.DELETE("/messages/:id", h.Delete)
	group.POST("/messages/:id/reactions", h.React)
	group.POST("/messages/:id/resend", h.Resend)
}

// SendText godoc
// @Summary Send a text message as the calling agent
// @Tags messages
// @Accept json
// @Produce json
// @Param phone path string true "Customer phone"
// @Param request body SendTextRequest true "Message"
// @Success 201 {object} message.Message
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} DispatchFailure
// @Router /conversations/{phone}/messages [post]
func (h *MessageHandler) SendText(c echo.Context) error {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req SendTextRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	row, err := h.dispatcher.SendText(c.Request().Context(), channel.TextRequest{
		Phone:   c.Param("phone"),
		Text:    req.Text,
		ReplyTo: req.ReplyTo,
		Author:  agentAuthor(agent),
	})
	return h.respond(c, http.StatusCreated, row, err)
}

// SendMedia godoc
// @Summary Send a media message from a durable URL
// @Tags messages
// @Accept json
// @Produce json
// @Param phone path string true "Customer phone"
// @Param request body SendMediaRequest true "Media"
// @Success 201 {object} message.Message
// @Failure 400 {object} ErrorResponse
// @Failure 502 {object} DispatchFailure
// @Router /conversations/{phone}/media [post]
func (h *MessageHandler) SendMedia(c echo.Context) error {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req SendMediaRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	row, err := h.dispatcher.SendMedia(c.Request().Context(), channel.MediaRequest{
		Phone:    c.Param("phone"),
		Type:     message.MediaType(req.Kind),
		URL:      req.URL,
		Caption:  req.Caption,
		FileName: req.FileName,
		ReplyTo:  req.ReplyTo,
		Author:   agentAuthor(agent),
	})
	return h.respond(c, http.StatusCreated, row, err)
}

// Info godoc
// @Summary Get a message with its delivery status
// @Tags messages
// @Produce json
// @Param phone path string true "Customer phone"
// @Param id path string true "Message id"
// @Success 200 {object} message.Message
// @Failure 404 {object} ErrorResponse
// @Router /conversations/{phone}/messages/{id} [get]
func (h *MessageHandler) Info(c echo.Context) error {
	row, err := h.dispatcher.Info(c.Request().Context(), c.Param("phone"), c.Param("id"))
	return h.respond(c, http.StatusOK, row, err)
}

// Edit godoc
// @Summary Edit a sent text message
// @Tags messages
// @Accept json
// @Produce json
// @Param phone path string true "Customer phone"
// @Param id path string true "Message id"
// @Param request body EditRequest true "New text"
// @Success 200 {object} message.Message
// @Failure 409 {object} ErrorResponse
// @Router /conversations/{phone}/messages/{id} [patch]
func (h *MessageHandler) Edit(c echo.Context) error {
	var req EditRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	row, err := h.dispatcher.Edit(c.Request().Context(), c.Param("phone"), c.Param("id"), req.Text)
	return h.respond(c, http.StatusOK, row, err)
}

// Delete godoc
// @Summary Delete a message for everyone
// @Tags messages
// @Produce json
// @Param phone path string true "Customer phone"
// @Param id path string true "Message id"
// @Success 200 {object} message.Message
// @Router /conversations/{phone}/messages/{id} [delete]
func (h *MessageHandler) Delete(c echo.Context) error {
	row, err := h.dispatcher.Delete(c.Request().Context(), c.Param("phone"), c.Param("id"))
	return h.respond(c, http.StatusOK, row, err)
}

// React godoc
// @Summary React to a message
// @Tags messages
// @Accept json
// @Produce json
// @Param phone path string true "Customer phone"
// @Param id path string true "Message id"
// @Param request body ReactionRequest true "Emoji; empty removes"
// @Success 200 {object} message.Message
// @Router /conversations/{phone}/messages/{id}/reactions [post]
func (h *MessageHandler) React(c echo.Context) error {
	agent, err := auth.AgentFromContext(c)
	if err != nil {
		return err
	}
	var req ReactionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	row, err := h.dispatcher.React(c.Request().Context(), c.Param("phone"), c.Param("id"), req.Emoji, agentAuthor(agent))
	return h.respond(c, http.StatusOK, row, err)
}

// Resend godoc
// @Summary Retry a failed message
// @Tags messages
// @Produce json
// @Param phone path string true "Customer phone"
// @Param id path string true "Message id"
// @Success 200 {object} message.Message
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} DispatchFailure
// @Router /conversations/{phone}/messages/{id}/resend [post]
func (h *MessageHandler) Resend(c echo.Context) error {
	row, err := h.dispatcher.Resend(c.Request().Context(), c.Param("phone"), c.Param("id"))
	return h.respond(c, http.StatusOK, row, err)
}

func (h *MessageHandler) respond(c echo.Context, status int, row message.Message, err error) error {
	if err == nil {
		return c.JSON(status, row)
	}
	if errors.Is(err, channel.ErrDispatchFailed) && row.ID != "" {
		return c.JSON(http.StatusBadGateway, DispatchFailure{Message: err.Error(), Data: row})
	}
	return httpError(h.logger, err)
}

func agentAuthor(agent auth.Agent) channel.Author {
	return channel.Author{Role: message.RoleAgent, AgentID: agent.ID, AgentName: agent.Name}
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(req)
}
