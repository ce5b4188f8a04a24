package stream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]bool
	once     sync.Once
}

func (c *wsClient) wants(channel string) bool {
	return len(c.channels) == 0 || c.channels[channel]
}

// WebSocketHub pushes events to connected dashboards. Clients pick channels
// with ?channels=consensus.decision,consensus.fault; no parameter means all.
// A client that cannot keep up is disconnected.
type WebSocketHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool

	server *http.Server
	logger *zap.Logger
}

// NewWebSocketHub creates a hub. Serve it with ServeHTTP or Start.
func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger.Named("stream").With(zap.String("sink", "websocket")),
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		conn:     conn,
		send:     make(chan []byte, clientSendSize),
		channels: make(map[string]bool),
	}
	if raw := r.URL.Query().Get("channels"); raw != "" {
		for _, ch := range strings.Split(raw, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				c.channels[ch] = true
			}
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("client connected", zap.String("remote", conn.RemoteAddr().String()))
	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit sends the event to every client subscribed to channel.
func (h *WebSocketHub) Emit(channel string, payload any) {
	data, err := encodeEvent(channel, payload)
	if err != nil {
		h.logger.Warn("failed to encode event", zap.String("channel", channel), zap.Error(err))
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(channel) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", zap.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
}

func (h *WebSocketHub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.once.Do(func() { close(c.send) })
	}
}

// readPump only watches for the peer going away.
func (h *WebSocketHub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *WebSocketHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start serves the hub on addr at /ws.
func (h *WebSocketHub) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	h.mu.Lock()
	h.server = server
	h.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("websocket server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	h.logger.Info("websocket stream started", zap.String("addr", addr))
	return nil
}

// Close disconnects every client and stops the server if it was started.
func (h *WebSocketHub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	server := h.server
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
