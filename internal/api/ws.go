package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noesis-ai/noesis/internal/kernel"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEnvelope is the frame format in both directions.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsOutbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Hub fans bus and kernel notifications out to websocket clients. Each
// client may narrow its stream with a subscribe frame; by default it
// receives every channel.
type Hub struct {
	kernel *kernel.Kernel
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
}

func NewHub(k *kernel.Kernel, logger *zap.Logger) *Hub {
	return &Hub{kernel: k, logger: logger, clients: make(map[*wsClient]bool)}
}

// Broadcast sends one notification to every subscribed client. Slow
// clients are disconnected rather than allowed to block the hub.
func (h *Hub) Broadcast(channel string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.subscribed(channel) {
			continue
		}
		select {
		case client.send <- wsOutbound{Type: channel, Payload: payload}:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan wsOutbound

	mu       sync.Mutex
	channels map[string]bool // nil = all channels
}

func (c *wsClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels == nil || c.channels[channel]
}

// ServeHTTP upgrades the connection and starts the read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan wsOutbound, wsSendBuffer)}
	h.add(client)

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var env wsEnvelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		c.handle(env)
	}
}

// timeout_ms absent means the kernel default; an explicit zero or
// negative value is rejected by the kernel.
type wsSubmitPayload struct {
	AgentID   string `json:"agent_id"`
	Source    string `json:"il_source"`
	TimeoutMS *int64 `json:"timeout_ms,omitempty"`
}

type wsCancelPayload struct {
	CognitionID string `json:"cognition_id"`
}

type wsSubscribePayload struct {
	Channels []string `json:"channels"`
}

func (c *wsClient) handle(env wsEnvelope) {
	switch env.Type {
	case "cognition.submit":
		var p wsSubmitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply("error", map[string]string{"error": "invalid cognition.submit payload"})
			return
		}
		// Run on its own goroutine so the read pump stays responsive to
		// cancel frames.
		go func() {
			budget := c.hub.kernel.DefaultBudget()
			if p.TimeoutMS != nil {
				budget = time.Duration(*p.TimeoutMS) * time.Millisecond
			}
			cog, err := c.hub.kernel.Submit(context.Background(), p.AgentID, p.Source, budget)
			if err != nil {
				c.reply("cognition.rejected", map[string]string{"error": err.Error()})
				return
			}
			c.reply("cognition.result", cog)
		}()
	case "cognition.cancel":
		var p wsCancelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply("error", map[string]string{"error": "invalid cognition.cancel payload"})
			return
		}
		id, err := uuid.Parse(p.CognitionID)
		if err != nil {
			c.reply("error", map[string]string{"error": "invalid cognition id"})
			return
		}
		found := c.hub.kernel.Cancel(id)
		c.reply("cognition.cancelled", map[string]any{"cognition_id": p.CognitionID, "found": found})
	case "subscribe":
		var p wsSubscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.reply("error", map[string]string{"error": "invalid subscribe payload"})
			return
		}
		channels := make(map[string]bool, len(p.Channels))
		for _, ch := range p.Channels {
			channels[ch] = true
		}
		c.mu.Lock()
		c.channels = channels
		c.mu.Unlock()
		c.reply("subscribed", map[string]any{"channels": p.Channels})
	default:
		c.reply("error", map[string]string{"error": "unknown frame type " + env.Type})
	}
}

func (c *wsClient) reply(typ string, payload any) {
	select {
	case c.send <- wsOutbound{Type: typ, Payload: payload}:
	default:
	}
}
