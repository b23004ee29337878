package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/logging"
)

// ActionDispatcher runs a container action on behalf of an action.start
// message and reports its outcome back through the hub. Implemented by
// internal/actions.Engine.
type ActionDispatcher interface {
	DispatchContainerAction(ctx context.Context, container, action string, report func(status, output, errMsg string, durationMs int64)) error
}

// StateSnapshotter supplies the initial state a newly connected client needs
// without waiting on a monitor cycle.
type StateSnapshotter interface {
	Snapshot() ([]discovery.Site, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	idleWindow = 90 * time.Second
	pingPeriod = idleWindow / 2
)

// ServeWS upgrades the request to a websocket, registers a Conn with hub,
// and runs its read/write pumps until the connection closes. Blocks until
// the connection ends.
func ServeWS(w http.ResponseWriter, r *http.Request, hub *Hub, dispatch ActionDispatcher, log *logging.Logger) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := hub.Register()
	if c == nil {
		log.Info("rejecting websocket connection during shutdown")
		wsConn.Close()
		return
	}
	c.Open()
	defer c.Close()

	done := make(chan struct{})
	go writePump(wsConn, c, done)
	readPump(r.Context(), wsConn, c, dispatch, log)
	close(done)
}

func writePump(ws *websocket.Conn, c *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer ws.Close()

	for {
		select {
		case msg, ok := <-c.out:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func readPump(ctx context.Context, ws *websocket.Conn, c *Conn, dispatch ActionDispatcher, log *logging.Logger) {
	ws.SetReadDeadline(time.Now().Add(idleWindow))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(idleWindow))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			send(c, Outbound{Type: MsgError, Error: "invalid message: " + err.Error()})
			continue
		}

		switch in.Type {
		case MsgSubscribe:
			c.Subscribe(in.Topic)
		case MsgUnsubscribe:
			c.Unsubscribe(in.Topic)
		case MsgPing:
			send(c, Outbound{Type: MsgPong})
		case MsgActionStart:
			handleActionStart(ctx, c, dispatch, in, log)
		default:
			send(c, Outbound{Type: MsgError, Error: "unknown message type: " + in.Type})
		}
	}
}

func handleActionStart(ctx context.Context, c *Conn, dispatch ActionDispatcher, in Inbound, log *logging.Logger) {
	if dispatch == nil {
		send(c, Outbound{Type: MsgError, Error: "actions are not available"})
		return
	}
	send(c, Outbound{Type: MsgActionOutput, Container: in.Container, Action: in.Action, Status: ActionStarted})

	report := func(status, output, errMsg string, durationMs int64) {
		send(c, Outbound{
			Type: MsgActionOutput, Container: in.Container, Action: in.Action,
			Status: status, Output: output, Error: errMsg, DurationMs: durationMs,
		})
	}
	if err := dispatch.DispatchContainerAction(ctx, in.Container, in.Action, report); err != nil {
		log.Warn("action dispatch failed", "container", in.Container, "action", in.Action, "error", err)
	}
}

func send(c *Conn, msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.out <- data:
	default:
		c.Close()
	}
}
