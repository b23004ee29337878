package subscription

import "encoding/json"

// Inbound message types a client may send.
const (
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgActionStart  = "action.start"
	MsgPing         = "ping"
)

// Outbound message types the server may send.
const (
	MsgSitesUpdate  = "sites.update"
	MsgGraphUpdate  = "graph.update"
	MsgActionOutput = "action.output"
	MsgError        = "error"
	MsgPong         = "pong"
)

// Action statuses carried on an action.output message.
const (
	ActionStarted   = "started"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// Inbound is a raw client->server envelope.
type Inbound struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Container string          `json:"container,omitempty"`
	Action    string          `json:"action,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Outbound is a server->client envelope.
type Outbound struct {
	Type       string `json:"type"`
	Payload    any    `json:"payload,omitempty"`
	Container  string `json:"container,omitempty"`
	Action     string `json:"action,omitempty"`
	Status     string `json:"status,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}
