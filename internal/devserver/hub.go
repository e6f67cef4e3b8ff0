package devserver

import (
	"context"
	"sync"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Error codes sent in error frames.
const (
	codeBadFrame    = "bad_frame"
	codeRateLimited = "rate_limited"
	codeUnsupported = "unsupported"
)

// Client is one connected push-channel subscriber.
type Client struct {
	conn    *websocket.Conn
	id      string
	send    chan []byte
	quit    chan struct{} // closed by the hub on unregister
	hub     *Hub
	limiter *rate.Limiter

	// Set by the hub before quit is closed on shutdown.
	goingAway bool
}

// Hub maintains active connections and broadcasts frames.
type Hub struct {
	log   zerolog.Logger
	clock clockwork.Clock

	rateLimit rate.Limit
	rateBurst int

	// Registered clients
	clients map[*Client]bool

	// Channels for registration/unregistration
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(log zerolog.Logger, clock clockwork.Clock, limit rate.Limit, burst int) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		clock:      clock,
		rateLimit:  limit,
		rateBurst:  burst,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled, after
// releasing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug().Str("id", client.id).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.quit)
			}
			h.mu.Unlock()
			h.log.Debug().Str("id", client.id).Msg("client unregistered")

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.goingAway = true
				close(client.quit)
			}
			h.mu.Unlock()
			return
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a frame to every connected client. Clients with a full
// send buffer miss it.
func (h *Hub) Broadcast(msgType string, payload any) {
	data, err := h.encode(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", msgType).Msg("failed to encode broadcast")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.enqueue(data)
	}
}

func (h *Hub) encode(msgType string, payload any) ([]byte, error) {
	f, err := protocol.NewFrame(msgType, payload, h.clock.Now())
	if err != nil {
		return nil, err
	}
	return f.Encode()
}

// attach registers a freshly upgraded connection and starts its pumps.
// It returns false if the hub has stopped.
func (h *Hub) attach(conn *websocket.Conn) bool {
	client := &Client{
		conn:    conn,
		id:      uuid.NewString(),
		send:    make(chan []byte, sendBuffer),
		quit:    make(chan struct{}),
		hub:     h,
		limiter: rate.NewLimiter(h.rateLimit, h.rateBurst),
	}

	select {
	case h.register <- client:
	case <-h.done:
		return false
	}

	go client.writePump()
	go client.readPump()
	return true
}

func (c *Client) enqueue(data []byte) {
	select {
	case <-c.quit:
	case c.send <- data:
	default:
		c.hub.log.Warn().Str("id", c.id).Msg("send buffer full, dropping frame")
	}
}

func (c *Client) reply(msgType string, payload any) {
	data, err := c.hub.encode(msgType, payload)
	if err != nil {
		c.hub.log.Error().Err(err).Str("type", msgType).Msg("failed to encode reply")
		return
	}
	c.enqueue(data)
}

func (c *Client) replyError(code, message string) {
	c.reply(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

// readPump reads frames from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error().Err(err).Str("id", c.id).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

// handleFrame answers one client frame. Replies go to the sender only.
func (c *Client) handleFrame(data []byte) {
	if !c.limiter.Allow() {
		c.replyError(codeRateLimited, "too many frames")
		return
	}

	f, err := protocol.Parse(data)
	if err != nil {
		c.hub.log.Warn().Err(err).Str("id", c.id).Msg("failed to parse frame")
		c.replyError(codeBadFrame, err.Error())
		return
	}

	switch f.Type {
	case protocol.TypePing:
		c.reply(protocol.TypePong, nil)

	case protocol.TypeChatMessage:
		var msg protocol.ChatMessagePayload
		if err := f.ParseData(&msg); err != nil || msg.Content == "" {
			c.replyError(codeBadFrame, "chat_message needs content")
			return
		}
		c.hub.log.Debug().Str("conversation", msg.ConversationID).Msg("chat message")

		answer := protocol.ChatMessagePayload{
			ConversationID: msg.ConversationID,
			MessageID:      uuid.NewString(),
			Role:           "assistant",
			Content:        "Received: " + msg.Content,
		}
		c.reply(protocol.TypeChatMessage, answer)
		c.reply(protocol.TypeChatTurnComplete, protocol.ChatTurnCompletePayload{
			ConversationID: answer.ConversationID,
			MessageID:      answer.MessageID,
		})

	default:
		c.replyError(codeUnsupported, "unsupported frame type "+f.Type)
	}
}

// writePump pumps frames to the WebSocket connection.
func (c *Client) writePump() {
	ticker := c.hub.clock.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.quit:
			if c.goingAway {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
			}
			return

		case <-ticker.Chan():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
