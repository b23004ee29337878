package subscription

import "sync"

// ConnState is the connection lifecycle state (spec §4.6):
// Connecting -> Open -> {Draining, Closed}.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateDraining
	StateClosed
)

// Conn is one live client connection tracked by the Hub. The transport pumps
// (ws.go) own reading/writing; Conn owns topic membership and lifecycle
// state only, so it can be unit tested without a real socket.
type Conn struct {
	id  uint64
	hub *Hub

	out chan []byte

	mu     sync.Mutex
	topics map[string]bool
	state  ConnState

	closeOnce sync.Once
}

// ID returns the connection's hub-assigned identifier.
func (c *Conn) ID() uint64 { return c.id }

// Open transitions a newly registered connection into the Open state.
func (c *Conn) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateOpen
	}
}

// Subscribe adds topic to this connection's subscription set.
func (c *Conn) Subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = true
}

// Unsubscribe removes topic from this connection's subscription set.
func (c *Conn) Unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.topics[topic]
}

// Drain marks the connection as draining: no new outbound messages are
// accepted, but in-flight writes are allowed to complete.
func (c *Conn) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		c.state = StateDraining
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the connection down: it is removed from the hub and its
// outbound channel is closed so the write pump exits. Safe to call more
// than once; on abrupt disconnect the connection moves straight here
// without passing through Draining, per spec §4.6.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.hub.unregister(c)
		close(c.out)
	})
}
