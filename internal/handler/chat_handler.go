package handler

import (
	"errors"
	"net/http"

	"procurebot/internal/conversation"
	"procurebot/internal/middleware"
	"procurebot/internal/model"
	"procurebot/internal/pipeline"
	"procurebot/pkg/response"

	"github.com/gin-gonic/gin"
)

// EventDispatcher accepts inbound chat events
type EventDispatcher interface {
	Dispatch(ev conversation.Event) error
}

// ChatHandler is the HTTP entry for chat gateways that push events instead of
// holding a websocket.
type ChatHandler struct {
	dispatcher EventDispatcher
	auth       *middleware.Auth
}

func NewChatHandler(dispatcher EventDispatcher, auth *middleware.Auth) *ChatHandler {
	return &ChatHandler{dispatcher: dispatcher, auth: auth}
}

func (h *ChatHandler) RegisterRoutes(router *gin.RouterGroup) {
	chat := router.Group("/api/chat")
	chat.Use(h.auth.RequireRole(model.RoleGateway, model.RoleAdmin))
	{
		chat.POST("/events", h.PostEvent)
	}
}

// PostEvent queues one chat event for its session
// @Summary      Push chat event
// @Description  Queues a normalized chat event (text, voice, image, selection or cancel) for the session's worker. Replies are delivered to connected gateways.
// @Tags         chat
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      conversation.Event  true  "Chat event"
// @Success      202      {object}  response.Response
// @Failure      400      {object}  response.Response
// @Failure      429      {object}  response.Response
// @Failure      503      {object}  response.Response
// @Router       /api/chat/events [post]
func (h *ChatHandler) PostEvent(c *gin.Context) {
	var ev conversation.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	err := h.dispatcher.Dispatch(ev)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, response.Success(http.StatusAccepted, "Queued"))
	case errors.Is(err, pipeline.ErrBusy):
		c.JSON(http.StatusTooManyRequests, response.Error(http.StatusTooManyRequests, err.Error()))
	case errors.Is(err, pipeline.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, response.Error(http.StatusServiceUnavailable, err.Error()))
	default:
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, err.Error()))
	}
}
