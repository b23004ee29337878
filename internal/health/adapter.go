// Package health implements the Health Adapter (spec §4.11): a persistent
// connection to the external uptime monitor, modeled per DESIGN.md as an
// MQTT session — heartbeats arrive on a subscribed topic, monitor
// create/delete are published as commands. Grounded on
// internal/notify/mqtt.go's connect/publish/disconnect lifecycle, widened
// from a one-shot publish into a long-lived subscribed client, and
// internal/cluster/agent/agent.go's backoff struct for reconnection.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/siteflow/siteflow/internal/logging"
)

// HeartbeatStatus is the uptime monitor's tri-state sample value.
type HeartbeatStatus int

const (
	HeartbeatDown    HeartbeatStatus = 0
	HeartbeatUp      HeartbeatStatus = 1
	HeartbeatPending HeartbeatStatus = 2
)

// Monitor is the projected state of one registered uptime monitor (spec
// §4.11 `list_monitors()`).
type Monitor struct {
	Up         bool              `json:"up"`
	PingMS     *float64          `json:"ping,omitempty"`
	UptimePct  float64           `json:"uptime"`
	Heartbeats []HeartbeatStatus `json:"heartbeats"`
}

// Config configures the Adapter's MQTT session.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string // default "siteflow-health-" plus a random UUID
	HeartbeatTopic  string // default "uptime/+/heartbeat"
	CommandTopic    string // default "uptime/cmd"
	HeartbeatWindow int    // N bars, default 30 (spec §4.11, §9 "not a protocol constant")
	ReauthInterval  time.Duration // default 5m
}

type heartbeatMsg struct {
	Name      string  `json:"name"`
	Status    int     `json:"status"`
	PingMS    float64 `json:"ping_ms,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

type commandMsg struct {
	Action string `json:"action"`
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
}

// Adapter is the Health Adapter. It is failure-tolerant: when disconnected,
// ListMonitors returns an empty mapping rather than an error (spec §4.11).
type Adapter struct {
	cfg Config
	log *logging.Logger

	mu       sync.RWMutex
	client   mqtt.Client
	window   int
	sessions map[string][]HeartbeatStatus // name -> ring of last N statuses, newest last
	pings    map[string]float64

	reauthStop chan struct{}
}

// New builds an Adapter and starts connecting in the background. Connect
// errors are logged, not returned: per spec §4.11 the adapter degrades
// gracefully rather than failing startup.
func New(cfg Config, log *logging.Logger) *Adapter {
	if cfg.ClientID == "" {
		// A broker rejects (or silently evicts) a second connection under the
		// same client id, so a fixed default would collide across restarts
		// that overlap their drain window. Suffix it to make every process
		// instance unique.
		cfg.ClientID = "siteflow-health-" + uuid.NewString()
	}
	if cfg.HeartbeatTopic == "" {
		cfg.HeartbeatTopic = "uptime/+/heartbeat"
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = "uptime/cmd"
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 30
	}
	if cfg.ReauthInterval <= 0 {
		cfg.ReauthInterval = 5 * time.Minute
	}

	a := &Adapter{
		cfg:        cfg,
		log:        log.Component("health"),
		window:     cfg.HeartbeatWindow,
		sessions:   make(map[string][]HeartbeatStatus),
		pings:      make(map[string]float64),
		reauthStop: make(chan struct{}),
	}
	a.connect()
	go a.reauthLoop()
	return a
}

func (a *Adapter) connect() {
	opts := mqtt.NewClientOptions().
		SetClientID(a.cfg.ClientID).
		AddBroker(a.cfg.Broker).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			a.log.Warn("uptime monitor connection lost", "error", err)
		})
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}

	client := mqtt.NewClient(opts)
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	tok := client.Connect()
	go func() {
		if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
			a.log.Warn("uptime monitor initial connect failed, will keep retrying", "error", tok.Error())
		}
	}()
}

// onConnect (re-)subscribes to the heartbeat topic; this fires on both the
// initial connect and every automatic reconnect, which is the adapter's
// "automatic re-authentication" (spec §4.11).
func (a *Adapter) onConnect(client mqtt.Client) {
	tok := client.Subscribe(a.cfg.HeartbeatTopic, 1, a.onHeartbeat)
	if tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
		a.log.Warn("failed to subscribe to heartbeat topic", "topic", a.cfg.HeartbeatTopic, "error", tok.Error())
	}
}

func (a *Adapter) onHeartbeat(_ mqtt.Client, msg mqtt.Message) {
	var hb heartbeatMsg
	if err := json.Unmarshal(msg.Payload(), &hb); err != nil {
		a.log.Warn("malformed heartbeat payload", "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ring := a.sessions[hb.Name]
	ring = append(ring, HeartbeatStatus(hb.Status))
	if len(ring) > a.window {
		ring = ring[len(ring)-a.window:]
	}
	a.sessions[hb.Name] = ring
	if hb.PingMS > 0 {
		a.pings[hb.Name] = hb.PingMS
	}
}

// reauthLoop periodically re-publishes the session's presence so the
// broker-side monitor doesn't treat a long-idle client as expired.
func (a *Adapter) reauthLoop() {
	ticker := time.NewTicker(a.cfg.ReauthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c := a.currentClient(); c != nil && c.IsConnected() {
				c.Publish(a.cfg.CommandTopic, 0, false, []byte(`{"action":"ping"}`))
			}
		case <-a.reauthStop:
			return
		}
	}
}

func (a *Adapter) currentClient() mqtt.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// ListMonitors projects the current heartbeat windows into per-monitor
// status (spec §4.11). Returns an empty mapping, not an error, if the
// session is disconnected.
func (a *Adapter) ListMonitors() map[string]Monitor {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.client == nil || !a.client.IsConnected() {
		return map[string]Monitor{}
	}

	out := make(map[string]Monitor, len(a.sessions))
	for name, ring := range a.sessions {
		out[name] = projectMonitor(ring, a.pings[name])
	}
	return out
}

func projectMonitor(ring []HeartbeatStatus, ping float64) Monitor {
	m := Monitor{Heartbeats: append([]HeartbeatStatus{}, ring...)}
	if len(ring) > 0 {
		m.Up = ring[len(ring)-1] == HeartbeatUp
	}
	if ping > 0 {
		p := ping
		m.PingMS = &p
	}
	if len(ring) == 0 {
		return m
	}
	upCount := 0
	for _, s := range ring {
		if s == HeartbeatUp {
			upCount++
		}
	}
	m.UptimePct = 100 * float64(upCount) / float64(len(ring))
	return m
}

// CreateMonitor registers a new monitor with the uptime service (spec
// §4.11 `create_monitor(name, url)`).
func (a *Adapter) CreateMonitor(ctx context.Context, name, url string) error {
	return a.publishCommand(ctx, commandMsg{Action: "create", Name: name, URL: url})
}

// DeleteMonitor unregisters a monitor (spec §4.11 `delete_monitor(name)`).
func (a *Adapter) DeleteMonitor(ctx context.Context, name string) error {
	return a.publishCommand(ctx, commandMsg{Action: "delete", Name: name})
}

func (a *Adapter) publishCommand(ctx context.Context, cmd commandMsg) error {
	client := a.currentClient()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("uptime monitor session not connected")
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	tok := client.Publish(a.cfg.CommandTopic, 1, false, body)
	done := make(chan struct{})
	go func() { tok.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return tok.Error()
	}
}

// Close disconnects the session.
func (a *Adapter) Close() {
	close(a.reauthStop)
	if c := a.currentClient(); c != nil {
		c.Disconnect(250)
	}
}
