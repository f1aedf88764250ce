package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// ClientMessage is an inbound subscription request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// ServerMessage acknowledges or rejects a ClientMessage.
type ServerMessage struct {
	Type   string   `json:"type"`
	Action string   `json:"action,omitempty"`
	Topics []string `json:"topics,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Handler upgrades HTTP requests to websocket connections bound to a Hub.
type Handler struct {
	hub        *Hub
	authorizer TopicAuthorizer
	logger     zerolog.Logger
	upgrader   gorillawebsocket.Upgrader
	sendBuffer int
	newID      func() string
}

// NewHandler creates a Handler. allowedOrigins empty accepts any origin.
func NewHandler(hub *Hub, authorizer TopicAuthorizer, sendBuffer int, allowedOrigins []string, logger zerolog.Logger) *Handler {
	h := &Handler{
		hub:        hub,
		authorizer: authorizer,
		logger:     logger.With().Str("component", "realtime").Logger(),
		sendBuffer: sendBuffer,
		newID:      uuid.NewString,
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		return o == "" || set["*"] || set[o]
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.Connect)
}

// Connect upgrades the request, subscribes the default topics of the caller
// and starts the read and write pumps.
func (h *Handler) Connect(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}

	client := NewClient(h.newID(), p, h.sendBuffer)
	if err := h.attach(client); err != nil {
		h.logger.Error().Err(err).Str("conn_id", client.ID).Str("user_id", p.UserID).Msg("connection rejected")
		msg := gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseTryAgainLater, "connection rejected")
		_ = ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(writeWait))
		ws.Close()
		return nil
	}
	h.logger.Debug().Str("conn_id", client.ID).Str("user_id", p.UserID).Msg("connection opened")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

// attach registers client and binds its default topics. On error the client
// is not left in the hub.
func (h *Handler) attach(client *Client) error {
	if !h.hub.Register(client) {
		return ErrDuplicateConnection
	}
	for _, t := range defaultTopics(client.Principal) {
		if err := h.hub.Subscribe(client.ID, t); err != nil {
			h.hub.Unregister(client.ID)
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client.ID)
		ws.Close()
		h.logger.Debug().Str("conn_id", client.ID).Msg("connection closed")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.Background()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.reply(client, ServerMessage{Type: "error", Error: "malformed message"})
			continue
		}
		h.reply(client, h.process(ctx, client, msg))
	}
}

func (h *Handler) process(ctx context.Context, client *Client, msg ClientMessage) ServerMessage {
	switch msg.Action {
	case "subscribe":
		var denied []string
		for _, t := range msg.Topics {
			if !h.authorizer.Authorize(ctx, client.Principal, t) {
				denied = append(denied, t)
				continue
			}
			_ = h.hub.Subscribe(client.ID, t)
		}
		if len(denied) > 0 {
			return ServerMessage{Type: "error", Action: msg.Action, Topics: denied, Error: "forbidden topic"}
		}
	case "unsubscribe":
		for _, t := range msg.Topics {
			_ = h.hub.Unsubscribe(client.ID, t)
		}
	default:
		return ServerMessage{Type: "error", Action: msg.Action, Error: "unknown action"}
	}
	return ServerMessage{Type: "ack", Action: msg.Action, Topics: msg.Topics}
}

// reply queues a control message without blocking; it shares the event buffer.
func (h *Handler) reply(client *Client, m ServerMessage) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	if h.hub.byID[client.ID] != client {
		return
	}
	select {
	case client.Send <- b:
	default:
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
