package chat

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"matchtalk/pkg/apperr"
	"matchtalk/pkg/auth"
	"matchtalk/pkg/bus"
	"matchtalk/pkg/pushstream"
	"matchtalk/pkg/response"
)

// Handler serves the conversation HTTP surface and attaches push sessions.
type Handler struct {
	service  Service
	bus      bus.Bus
	registry *pushstream.Registry
	stream   pushstream.Config
	log      *zap.Logger
}

func NewHandler(service Service, b bus.Bus, registry *pushstream.Registry, stream pushstream.Config, log *zap.Logger) *Handler {
	if registry == nil {
		registry = pushstream.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		service:  service,
		bus:      b,
		registry: registry,
		stream:   stream,
		log:      log.Named("chat"),
	}
}

// RegisterRoutes mounts the routes on an already authenticated router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/conversations/:id/events", h.streamSSE)
	router.GET("/conversations/:id/ws", h.streamWS)
	router.GET("/conversations/:id/messages", h.listMessages)
	router.POST("/conversations/:id/messages", h.sendMessage)
	router.POST("/conversations/:id/read", h.markRead)
	router.POST("/conversations/:id/typing", h.typing)
	router.GET("/chat/status", h.status)
}

// fail writes err with the status its kind maps to.
func (h *Handler) fail(c *gin.Context, err error) {
	code := apperr.HTTPStatus(err)
	retryAfter, _ := apperr.RetryAfter(err)
	msg := apperr.Message(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	response.SendError(c, code, msg, retryAfter)
}

// @Summary      Subscribe to a conversation (SSE)
// @Description  Long-lived server-sent event stream of conversation envelopes. Heartbeats are SSE comments.
// @Tags         chat
// @Produce      text/event-stream
// @Param        id path string true "Conversation id"
// @Param        access_token query string false "Bearer token for clients that cannot set headers"
// @Success      200 {string} string "event stream"
// @Failure      400 {object} response.APIResponse
// @Failure      401 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Router       /conversations/{id}/events [get]
func (h *Handler) streamSSE(c *gin.Context) {
	conversationID, userID := c.Param("id"), auth.UserID(c)
	if err := h.service.Authorize(c.Request.Context(), conversationID, userID); err != nil {
		h.fail(c, err)
		return
	}

	release := h.registry.Add(userID, conversationID)
	defer release()

	cfg := h.stream
	cfg.Transport = "sse"
	session := pushstream.NewSession(h.bus, conversationID, userID, pushstream.NewSSESink(c), cfg, h.log)
	h.endSession(session.Run(c.Request.Context()), conversationID, userID)
}

// @Summary      Subscribe to a conversation (WebSocket)
// @Description  Same envelopes as the SSE stream, one text frame each. Inbound frames are ignored.
// @Tags         chat
// @Param        id path string true "Conversation id"
// @Param        access_token query string false "Bearer token for clients that cannot set headers"
// @Success      101 {string} string "switching protocols"
// @Failure      400 {object} response.APIResponse
// @Failure      401 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Router       /conversations/{id}/ws [get]
func (h *Handler) streamWS(c *gin.Context) {
	conversationID, userID := c.Param("id"), auth.UserID(c)
	if err := h.service.Authorize(c.Request.Context(), conversationID, userID); err != nil {
		h.fail(c, err)
		return
	}

	conn, err := pushstream.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	release := h.registry.Add(userID, conversationID)
	defer release()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go pushstream.ReadPump(conn, cancel)

	cfg := h.stream
	cfg.Transport = "ws"
	session := pushstream.NewSession(h.bus, conversationID, userID, pushstream.NewWSSink(conn), cfg, h.log)
	err = session.Run(ctx)
	h.endSession(err, conversationID, userID)

	code := websocket.CloseNormalClosure
	if errors.Is(err, pushstream.ErrDropped) {
		code = websocket.CloseTryAgainLater
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
}

func (h *Handler) endSession(err error, conversationID, userID string) {
	if err == nil {
		return
	}
	fields := []zap.Field{zap.String("conversation_id", conversationID), zap.String("user_id", userID), zap.Error(err)}
	if errors.Is(err, pushstream.ErrDropped) {
		h.log.Warn("push session dropped", fields...)
		return
	}
	h.log.Debug("push session ended", fields...)
}

// @Summary      Get a page of messages
// @Description  Returns messages in ascending createdAt order. Omit before for the latest page.
// @Tags         chat
// @Produce      json
// @Param        id path string true "Conversation id"
// @Param        limit query int false "Page size (1-100, default 20)"
// @Param        before query int false "Exclusive createdAt cursor in epoch milliseconds"
// @Success      200 {object} response.APIResponse{data=Page}
// @Failure      400 {object} response.APIResponse
// @Failure      401 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Failure      500 {object} response.APIResponse
// @Router       /conversations/{id}/messages [get]
func (h *Handler) listMessages(c *gin.Context) {
	limit := DefaultPageSize
	if ls := c.Query("limit"); ls != "" {
		v, err := strconv.Atoi(ls)
		if err != nil {
			response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid limit parameter", nil)
			return
		}
		limit = v
	}
	var before int64
	if bs := c.Query("before"); bs != "" {
		v, err := strconv.ParseInt(bs, 10, 64)
		if err != nil {
			response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid before parameter", nil)
			return
		}
		before = v
	}

	msgs, err := h.service.History(c.Request.Context(), c.Param("id"), auth.UserID(c), before, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "messages", Page{Messages: msgs, Count: len(msgs)})
}

// @Summary      Send a message
// @Tags         chat
// @Accept       json
// @Produce      json
// @Param        id path string true "Conversation id"
// @Param        request body SendRequest true "Message"
// @Success      201 {object} response.APIResponse{data=message.Message}
// @Failure      400 {object} response.APIResponse
// @Failure      401 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Failure      429 {object} response.APIResponse
// @Failure      500 {object} response.APIResponse
// @Router       /conversations/{id}/messages [post]
func (h *Handler) sendMessage(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request body", nil)
		return
	}

	m, err := h.service.Send(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.SendAPIResponse(c, http.StatusCreated, true, "message sent", m)
}

// @Summary      Mark conversation read
// @Description  Marks messages addressed to the caller as read and broadcasts message_read.
// @Tags         chat
// @Accept       json
// @Produce      json
// @Param        id path string true "Conversation id"
// @Param        request body ReadRequest false "Read timestamp (defaults to now)"
// @Success      200 {object} response.APIResponse{data=ReadResult}
// @Failure      400 {object} response.APIResponse
// @Failure      401 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Router       /conversations/{id}/read [post]
func (h *Handler) markRead(c *gin.Context) {
	var req ReadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.SendAPIResponse(c, http.StatusBadRequest, false, "invalid request body", nil)
			return
		}
	}
	var readAt int64
	if req.ReadAt != nil {
		readAt = *req.ReadAt
	}

	res, err := h.service.MarkRead(c.Request.Context(), c.Param("id"), auth.UserID(c), readAt)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.SendAPIResponse(c, http.StatusOK, true, "conversation read", res)
}

// @Summary      Typing indicator
// @Tags         chat
// @Accept       json
// @Produce      json
// @Param        id path string true "Conversation id"
// @Param        request body TypingRequest true "Typing state"
// @Success      202 {object} response.APIResponse
// @Failure      400 {object} response.APIResponse
// @Failure      401 {object} response.APIResponse
// @Failure      403 {object} response.APIResponse
// @Failure      429 {object} response.APIResponse
// @Router       /conversations/{id}/typing [post]
func (h *Handler) typing(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendAPIResponse(c, http.StatusBadRequest, false, "typing is required", nil)
		return
	}
	if err := h.service.Typing(c.Request.Context(), c.Param("id"), auth.UserID(c), *req.Typing); err != nil {
		h.fail(c, err)
		return
	}
	response.SendAPIResponse(c, http.StatusAccepted, true, "typing", nil)
}

// @Summary      Get online users
// @Description  Returns users with at least one open push stream on this node
// @Tags         chat
// @Produce      json
// @Success      200 {object} response.APIResponse
// @Router       /chat/status [get]
func (h *Handler) status(c *gin.Context) {
	users := h.registry.OnlineUsers()
	response.SendAPIResponse(c, http.StatusOK, true, "online status", gin.H{
		"online_users": users,
		"count":        len(users),
	})
}
