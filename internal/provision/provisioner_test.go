package provision

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/remoteexec"
)

type fakeExec struct {
	mu    sync.Mutex
	files map[string][]byte
	calls []string
	fail  map[string]error
}

func newFakeExec() *fakeExec { return &fakeExec{files: map[string][]byte{}, fail: map[string]error{}} }

func (f *fakeExec) Run(_ context.Context, target, cmd string, _ []byte, _ time.Duration) (remoteexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target+": "+cmd)
	f.mu.Unlock()
	for prefix, err := range f.fail {
		if strings.Contains(cmd, prefix) {
			return remoteexec.Result{}, err
		}
	}
	if strings.Contains(cmd, "docker ps") {
		return remoteexec.Result{Stdout: []byte("Up 2 seconds")}, nil
	}
	return remoteexec.Result{Stdout: []byte("ok")}, nil
}

func (f *fakeExec) Upload(_ context.Context, _, path string, data []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeExec) ReadFile(_ context.Context, _, path string, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path], nil
}

func (f *fakeExec) WriteAtomic(_ context.Context, _, path string, data []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries map[int64]audit.Entry
	next    int64
}

func newFakeAudit() *fakeAudit { return &fakeAudit{entries: map[int64]audit.Entry{}} }

func (a *fakeAudit) Append(_ context.Context, e audit.Entry) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.entries[a.next] = e
	return a.next, nil
}

func (a *fakeAudit) Update(_ context.Context, id int64, patch audit.Patch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entries[id]
	e.Status = patch.Status
	e.ErrorMessage = patch.ErrorMessage
	a.entries[id] = e
	return nil
}

type fakeCache struct{ invalidated int }

func (c *fakeCache) Invalidate() { c.invalidated++ }

type fakeDNS struct {
	created []string
	deleted []string
	failCreate bool
}

func (d *fakeDNS) CreateRecord(_ context.Context, name, _ string) error {
	if d.failCreate {
		return assertErr{}
	}
	d.created = append(d.created, name)
	return nil
}
func (d *fakeDNS) DeleteRecord(_ context.Context, name string) error {
	d.deleted = append(d.deleted, name)
	return nil
}

type fakeTunnel struct {
	registered []string
	removed    []string
}

func (t *fakeTunnel) RegisterHostname(_ context.Context, host, _ string) error {
	t.registered = append(t.registered, host)
	return nil
}
func (t *fakeTunnel) RemoveHostname(_ context.Context, host string) error {
	t.removed = append(t.removed, host)
	return nil
}

type fakeMonitor struct {
	created []string
	deleted []string
	failCreate bool
}

func (m *fakeMonitor) CreateMonitor(_ context.Context, name, _ string) error {
	if m.failCreate {
		return assertErr{}
	}
	m.created = append(m.created, name)
	return nil
}
func (m *fakeMonitor) DeleteMonitor(_ context.Context, name string) error {
	m.deleted = append(m.deleted, name)
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "injected failure" }

func newTestProvisioner(t *testing.T) (*Provisioner, *fakeExec, *fakeAudit, *fakeDNS, *fakeTunnel, *fakeMonitor) {
	t.Helper()
	exec := newFakeExec()
	aud := newFakeAudit()
	dns := &fakeDNS{}
	tunnel := &fakeTunnel{}
	monitor := &fakeMonitor{}
	cfg := Config{
		SitesRoot: "/srv/sites", ProxyTarget: "gateway", ProxyConfPath: "/etc/proxy/Caddyfile",
		ReloadCmd: "caddy reload", BaseDomain: "example.com", StartupWait: time.Second,
	}
	p := New(exec, aud, &fakeCache{}, dns, tunnel, monitor, cfg, logging.New(false))
	return p, exec, aud, dns, tunnel, monitor
}

func TestCreateHappyPath(t *testing.T) {
	p, exec, aud, dns, tunnel, monitor := newTestProvisioner(t)
	res, err := p.Create(context.Background(), CreateRequest{Name: "blog", Template: TemplateStatic})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Domain != "blog.example.com" {
		t.Fatalf("expected default domain, got %s", res.Domain)
	}
	if len(dns.created) != 1 || dns.created[0] != "blog.example.com" {
		t.Fatalf("expected DNS record created, got %v", dns.created)
	}
	if len(tunnel.registered) != 1 {
		t.Fatalf("expected tunnel hostname registered, got %v", tunnel.registered)
	}
	if len(monitor.created) != 1 {
		t.Fatalf("expected monitor created, got %v", monitor.created)
	}
	if string(exec.files["/srv/sites/blog/docker-compose.yml"]) == "" {
		t.Fatal("expected compose file written")
	}
	if aud.entries[1].Status != audit.StatusSuccess {
		t.Fatalf("expected success audit entry, got %+v", aud.entries[1])
	}
}

func TestCreateRejectsInvalidName(t *testing.T) {
	p, _, _, _, _, _ := newTestProvisioner(t)
	if _, err := p.Create(context.Background(), CreateRequest{Name: "B", Template: TemplateStatic}); err == nil {
		t.Fatal("expected validation error for invalid name")
	}
}

func TestCreateRollsBackOnMonitorFailure(t *testing.T) {
	p, exec, aud, dns, tunnel, monitor := newTestProvisioner(t)
	monitor.failCreate = true

	_, err := p.Create(context.Background(), CreateRequest{Name: "blog", Template: TemplateStatic})
	if err == nil {
		t.Fatal("expected monitor creation failure to propagate")
	}
	if len(dns.deleted) != 1 || len(tunnel.removed) != 1 {
		t.Fatalf("expected DNS and tunnel compensations to run, dns=%v tunnel=%v", dns.deleted, tunnel.removed)
	}
	found := false
	for _, c := range exec.calls {
		if strings.Contains(c, "rm -rf") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected directory removal compensation, calls=%v", exec.calls)
	}
	if aud.entries[1].Status != audit.StatusFailure {
		t.Fatalf("expected failed audit entry, got %+v", aud.entries[1])
	}
}

func TestDetectByPackageJSON(t *testing.T) {
	d := Detect([]string{"package.json", "index.js"})
	if d.DetectedType != TemplateNode || d.Confidence != ConfidenceHigh {
		t.Fatalf("expected high-confidence node detection, got %+v", d)
	}
}

func TestDetectWordPressWeakMarker(t *testing.T) {
	d := Detect([]string{"wp-content/themes/x/style.css"})
	if d.DetectedType != TemplateWordPress || d.Confidence != ConfidenceMedium {
		t.Fatalf("expected medium-confidence wordpress detection, got %+v", d)
	}
}

func TestDetectDefaultsToStatic(t *testing.T) {
	d := Detect([]string{"index.html", "style.css"})
	if d.DetectedType != TemplateStatic || d.Confidence != ConfidenceLow {
		t.Fatalf("expected low-confidence static default, got %+v", d)
	}
}

func TestDeprovisionIsIdempotentWhenResourcesMissing(t *testing.T) {
	p, _, aud, _, _, _ := newTestProvisioner(t)
	err := p.Deprovision(context.Background(), DeprovisionRequest{Name: "ghost"})
	if err != nil {
		t.Fatalf("expected idempotent deprovision to succeed, got %v", err)
	}
	if aud.entries[1].Status != audit.StatusSuccess {
		t.Fatalf("expected success audit entry, got %+v", aud.entries[1])
	}
}
