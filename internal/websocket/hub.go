// Package websocket is the chat gateway transport: gateway processes connect over a
// websocket, push normalized chat events in and receive the prompts to deliver.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"procurebot/internal/conversation"
	"procurebot/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// ErrNoGateway is returned by Send when no gateway is connected
var ErrNoGateway = errors.New("no chat gateway connected")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 8 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// gateways are server-side processes authenticated by token
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is one message on the gateway socket. Inbound frames carry an event, outbound
// frames a prompt or an error about a rejected event.
type Frame struct {
	Type   string               `json:"type"`
	Event  *conversation.Event  `json:"event,omitempty"`
	Prompt *conversation.Prompt `json:"prompt,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// Frame types
const (
	FrameEvent  = "event"
	FramePrompt = "prompt"
	FrameError  = "error"
)

// DispatchFunc accepts one inbound event
type DispatchFunc func(ev conversation.Event) error

// Client represents a single connected gateway
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte
}

// Hub maintains the set of connected gateways and fans prompts out to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.Mutex
	done       chan struct{}

	dispatch DispatchFunc
	logger   *slog.Logger
}

// NewHub initializes a new gateway hub. Inbound events are handed to dispatch.
func NewHub(dispatch DispatchFunc, logger *slog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		dispatch:   dispatch,
		logger:     logger.With("component", "gateway_hub"),
	}
}

// SetDispatch replaces the inbound handler. It must be called before Run.
func (h *Hub) SetDispatch(dispatch DispatchFunc) {
	h.dispatch = dispatch
}

// Run starts the core loop until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("Gateway connected", "remote", client.Conn.RemoteAddr().String())
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.logger.Info("Gateway disconnected")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					h.logger.Warn("Gateway too slow, dropping it")
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Connected returns the number of connected gateways
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Send implements conversation.Sender
func (h *Hub) Send(ctx context.Context, p conversation.Prompt) error {
	if h.Connected() == 0 {
		return ErrNoGateway
	}
	msg, err := json.Marshal(Frame{Type: FramePrompt, Prompt: &p})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return ErrNoGateway
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePump handles writing frames from the Hub to the gateway connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound event frames and dispatches them
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		_ = c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxFrame)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("Gateway read failed", "error", err)
			}
			break
		}
		c.Hub.receive(c, raw)
	}
}

// receive handles one inbound frame. Rejections are reported back to the sending
// gateway only.
func (h *Hub) receive(c *Client, raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type != FrameEvent || f.Event == nil {
		h.reply(c, Frame{Type: FrameError, Error: "expected an event frame"})
		return
	}
	if err := h.dispatch(*f.Event); err != nil {
		h.reply(c, Frame{Type: FrameError, Event: f.Event, Error: err.Error()})
	}
}

func (h *Hub) reply(c *Client, f Frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.Send <- msg:
	default:
	}
}

// ServeWs upgrades an authenticated gateway connection
func ServeWs(hub *Hub, c *gin.Context, secret []byte) {
	tokenString := c.Query("token")
	if tokenString == "" {
		hub.logger.Warn("Gateway connection rejected: missing token")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		hub.logger.Warn("Gateway connection rejected: invalid token", "error", err)
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	role, _ := claims["role"].(string)
	if role != model.RoleGateway && role != model.RoleAdmin {
		hub.logger.Warn("Gateway connection rejected: inadequate role", "role", role)
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	client := &Client{Hub: hub, Conn: conn, Send: make(chan []byte, 256)}
	select {
	case hub.register <- client:
	case <-hub.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
