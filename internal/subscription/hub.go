// Package subscription implements the Subscription Hub (spec §4.6): the set
// of live client websocket connections, topic-based fan-out, and the
// slow-consumer drop policy. Grounded on internal/events/bus.go's
// per-subscriber buffered channel fan-out, widened from a single
// SSE-subscriber broadcast to topic-addressed publish over websockets.
package subscription

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/metrics"
)

// outboundBufferSize bounds each connection's outbound queue; once full the
// hub drops the connection rather than blocking publishers (spec §4.6).
const outboundBufferSize = 64

// Hub tracks live connections and routes topic publishes to subscribers.
type Hub struct {
	log *logging.Logger

	mu      sync.RWMutex
	conns   map[uint64]*Conn
	next    uint64
	closing bool
}

// NewHub builds an empty Hub.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{log: log.Component("subscription"), conns: make(map[uint64]*Conn)}
}

// Register creates a Conn tracked by the hub. The caller drives its pumps
// against an actual transport (see ServeWS in ws.go). Returns nil once the
// hub is shutting down (spec §5 "hub refuses new connections").
func (h *Hub) Register() *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return nil
	}
	id := h.next
	h.next++
	c := &Conn{
		id:     id,
		hub:    h,
		out:    make(chan []byte, outboundBufferSize),
		topics: make(map[string]bool),
		state:  StateConnecting,
	}
	h.conns[id] = c
	metrics.WSConnections.Set(float64(len(h.conns)))
	return c
}

// Shutdown stops accepting new connections and closes every live connection
// after giving in-flight writes a bounded grace period to drain (spec §5
// "hub refuses new connections and closes existing").
func (h *Hub) Shutdown(grace time.Duration) {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		c.Drain()
		conns = append(conns, c)
	}
	h.mu.Unlock()

	time.Sleep(grace)
	for _, c := range conns {
		c.Close()
	}
}

// unregister removes a connection from the hub. Safe to call more than once.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; ok {
		delete(h.conns, c.id)
		metrics.WSConnections.Set(float64(len(h.conns)))
	}
}

// Publish fans a payload out to every connection subscribed to topic. A
// connection whose outbound queue is already full is dropped (closed)
// rather than allowed to stall the publish.
func (h *Hub) Publish(topic string, msg Outbound) {
	msg.Type = topic
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("failed to marshal outbound message", "topic", topic, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.subscribed(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.out <- data:
		default:
			h.log.Warn("dropping slow consumer", "conn", c.id, "topic", topic)
			metrics.WSSlowConsumerDrops.Inc()
			c.Close()
		}
	}
}

// Count returns the number of live connections, for metrics.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
