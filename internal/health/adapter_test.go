package health

import "testing"

func TestProjectMonitorUptimePercentage(t *testing.T) {
	ring := []HeartbeatStatus{HeartbeatUp, HeartbeatUp, HeartbeatDown, HeartbeatUp}
	m := projectMonitor(ring, 12.5)
	if m.UptimePct != 75 {
		t.Fatalf("expected 75%% uptime, got %v", m.UptimePct)
	}
	if !m.Up {
		t.Fatal("expected Up=true from most recent sample")
	}
	if m.PingMS == nil || *m.PingMS != 12.5 {
		t.Fatalf("expected ping 12.5, got %v", m.PingMS)
	}
}

func TestProjectMonitorDownLastSample(t *testing.T) {
	ring := []HeartbeatStatus{HeartbeatUp, HeartbeatDown}
	m := projectMonitor(ring, 0)
	if m.Up {
		t.Fatal("expected Up=false from most recent down sample")
	}
	if m.PingMS != nil {
		t.Fatal("expected nil ping when no ping recorded")
	}
}

func TestProjectMonitorEmptyRing(t *testing.T) {
	m := projectMonitor(nil, 0)
	if m.Up || m.UptimePct != 0 {
		t.Fatalf("expected zero-value monitor for empty ring, got %+v", m)
	}
}

func TestListMonitorsEmptyWhenDisconnected(t *testing.T) {
	a := &Adapter{sessions: map[string][]HeartbeatStatus{"blog": {HeartbeatUp}}, pings: map[string]float64{}}
	if got := a.ListMonitors(); len(got) != 0 {
		t.Fatalf("expected empty map when client is nil, got %v", got)
	}
}
