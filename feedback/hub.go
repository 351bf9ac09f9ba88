// Package feedback streams live per-destination values to WebSocket
// clients. The Hub is the dispatcher's Presenter: Present only appends to
// each client's ring buffer and a per-client writer goroutine drains it, so
// a slow browser loses old values instead of stalling the tick.
package feedback

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reddust/dispatch"
	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/metric"
	"github.com/c360/reddust/pkg/buffer"
)

const (
	// DefaultClientBuffer is the per-client backlog before old values drop
	DefaultClientBuffer = 256

	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	maxBatch     = 64
)

// Message is the JSON envelope written to clients
type Message struct {
	Type      string              `json:"type"`
	Timestamp int64               `json:"timestamp"`
	Values    []dispatch.Feedback `json:"values"`
}

type client struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	pending     *buffer.Circular[dispatch.Feedback]
	done        chan struct{}
	closeOnce   sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.pending.Close()
		_ = c.conn.Close()
	})
}

// Hub fans feedback out to every connected client
type Hub struct {
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	bufferSize int

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup

	connections prometheus.Counter
	connected   prometheus.Gauge
	dropped     prometheus.Counter
}

// NewHub creates a hub. registry may be nil.
func NewHub(logger *slog.Logger, registry metric.MetricsRegistrar) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The control surface is served to the operator's LAN only
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:     logger.With("component", "feedback"),
		bufferSize: DefaultClientBuffer,
		clients:    make(map[string]*client),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "feedback",
			Name:      "connections_total",
			Help:      "WebSocket clients accepted",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "feedback",
			Name:      "clients_connected",
			Help:      "Currently connected WebSocket clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "feedback",
			Name:      "dropped_total",
			Help:      "Feedback values dropped for slow clients",
		}),
	}
	if registry != nil {
		_ = registry.RegisterCounter("feedback", "connections", h.connections)
		_ = registry.RegisterGauge("feedback", "clients_connected", h.connected)
		_ = registry.RegisterCounter("feedback", "dropped", h.dropped)
	}
	return h
}

var _ dispatch.Presenter = (*Hub)(nil)

// Present queues f for every client without blocking
func (h *Hub) Present(f dispatch.Feedback) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		_ = c.pending.Write(f)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	c.pending = buffer.NewCircular[dispatch.Feedback](h.bufferSize,
		buffer.WithOverflowPolicy[dispatch.Feedback](buffer.DropOldest),
		buffer.WithDropCallback[dispatch.Feedback](func(dispatch.Feedback) { h.dropped.Inc() }))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	h.connections.Inc()
	h.connected.Set(float64(count))
	h.logger.Info("Feedback client connected", "client", c.id, "remote", r.RemoteAddr)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop discards client input and notices disconnects
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.pending.Notify():
			for {
				batch := c.pending.ReadBatch(maxBatch)
				if len(batch) == 0 {
					break
				}
				if err := h.write(c, batch); err != nil {
					h.logger.Debug("Feedback write failed", "client", c.id, "error", err)
					return
				}
			}
		}
	}
}

func (h *Hub) write(c *client, batch []dispatch.Feedback) error {
	data, err := json.Marshal(Message{
		Type:      "feedback",
		Timestamp: time.Now().UnixMilli(),
		Values:    batch,
	})
	if err != nil {
		return errors.Wrap(err, "Hub", "write", "marshal feedback")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		h.connected.Set(float64(count))
		h.logger.Info("Feedback client disconnected", "client", c.id,
			"connected_for", time.Since(c.connectedAt).Round(time.Second))
	}
}

// Close disconnects every client and waits for their goroutines
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Hub", "Close", "wait for clients")
	}
}
