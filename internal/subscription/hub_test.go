package subscription

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/logging"
)

func TestPublishOnlyReachesSubscribedConns(t *testing.T) {
	hub := NewHub(logging.New(false))

	a := hub.Register()
	a.Open()
	a.Subscribe(MsgSitesUpdate)

	b := hub.Register()
	b.Open()
	b.Subscribe(MsgGraphUpdate)

	hub.Publish(MsgSitesUpdate, Outbound{Payload: "hello"})

	select {
	case msg := <-a.out:
		var o Outbound
		if err := json.Unmarshal(msg, &o); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if o.Type != MsgSitesUpdate {
			t.Fatalf("expected sites.update, got %s", o.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscribed conn to receive publish")
	}

	select {
	case <-b.out:
		t.Fatal("unsubscribed conn should not receive publish")
	default:
	}
}

func TestPublishDropsSlowConsumer(t *testing.T) {
	hub := NewHub(logging.New(false))
	c := hub.Register()
	c.Open()
	c.Subscribe(MsgSitesUpdate)

	for i := 0; i < outboundBufferSize+5; i++ {
		hub.Publish(MsgSitesUpdate, Outbound{})
	}

	if hub.Count() != 0 {
		t.Fatalf("expected slow consumer to be dropped, hub still has %d conns", hub.Count())
	}
	if c.State() != StateClosed {
		t.Fatalf("expected conn to be closed, got state %d", c.State())
	}
}

func TestConnStateMachine(t *testing.T) {
	hub := NewHub(logging.New(false))
	c := hub.Register()
	if c.State() != StateConnecting {
		t.Fatalf("expected initial state Connecting, got %d", c.State())
	}
	c.Open()
	if c.State() != StateOpen {
		t.Fatalf("expected Open after Open(), got %d", c.State())
	}
	c.Drain()
	if c.State() != StateDraining {
		t.Fatalf("expected Draining after Drain(), got %d", c.State())
	}
	c.Close()
	if c.State() != StateClosed {
		t.Fatalf("expected Closed after Close(), got %d", c.State())
	}
	if hub.Count() != 0 {
		t.Fatalf("expected hub to drop closed conn, count=%d", hub.Count())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := NewHub(logging.New(false))
	c := hub.Register()
	c.Close()
	c.Close() // must not panic on double close
}
