package actions

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/remoteexec"
	"github.com/siteflow/siteflow/internal/routes"
)

type fakeExec struct {
	mu    sync.Mutex
	files map[string][]byte
	calls []string
	fail  map[string]error
}

func newFakeExec() *fakeExec {
	return &fakeExec{files: map[string][]byte{}, fail: map[string]error{}}
}

func (f *fakeExec) Run(_ context.Context, target, cmd string, _ []byte, _ time.Duration) (remoteexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target+": "+cmd)
	f.mu.Unlock()
	for prefix, err := range f.fail {
		if strings.Contains(cmd, prefix) {
			return remoteexec.Result{}, err
		}
	}
	if strings.Contains(cmd, "git rev-parse HEAD") {
		return remoteexec.Result{Stdout: []byte("abc123\n")}, nil
	}
	if strings.Contains(cmd, "test -d") {
		return remoteexec.Result{}, nil
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
	e.Output = patch.Output
	e.ErrorMessage = patch.ErrorMessage
	a.entries[id] = e
	return nil
}

type fakeCache struct{ invalidated int }

func (c *fakeCache) Invalidate() { c.invalidated++ }

type fakeSites struct{ sites []discovery.Site }

func (s *fakeSites) Snapshot() ([]discovery.Site, bool) { return s.sites, true }

func newTestEngine(t *testing.T) (*Engine, *fakeExec, *fakeAudit, *fakeCache) {
	t.Helper()
	exec := newFakeExec()
	aud := newFakeAudit()
	cache := &fakeCache{}
	sites := &fakeSites{sites: []discovery.Site{
		{Name: "blog", Containers: []discovery.Container{{Name: "blog-web-1"}}},
	}}
	cfg := Config{
		SitesRoot:     "/srv/sites",
		ProxyTarget:   "gateway",
		ProxyConfPath: "/etc/proxy/Caddyfile",
		ReloadCmd:     "caddy reload",
	}
	e := New(exec, aud, cache, sites, cfg, logging.New(false))
	return e, exec, aud, cache
}

func TestContainerActionResolvesSiteTarget(t *testing.T) {
	e, exec, aud, cache := newTestEngine(t)
	out, err := e.ContainerAction(context.Background(), "blog-web-1", "restart")
	if err != nil {
		t.Fatalf("ContainerAction: %v", err)
	}
	if out != "ok" {
		t.Fatalf("unexpected output: %q", out)
	}
	if cache.invalidated != 1 {
		t.Fatalf("expected cache invalidation, got %d", cache.invalidated)
	}
	found := false
	for _, c := range exec.calls {
		if strings.HasPrefix(c, "blog: ") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected command serialized on site target, calls=%v", exec.calls)
	}
	if len(aud.entries) != 1 || aud.entries[1].Status != audit.StatusSuccess {
		t.Fatalf("expected one successful audit entry, got %+v", aud.entries)
	}
}

func TestContainerActionUnknownRejected(t *testing.T) {
	e, _, aud, _ := newTestEngine(t)
	_, err := e.ContainerAction(context.Background(), "blog-web-1", "explode")
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
	if aud.entries[1].Status != audit.StatusFailure {
		t.Fatalf("expected failed audit entry, got %+v", aud.entries[1])
	}
}

func TestSiteActionRejectsUnknown(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	if _, err := e.SiteAction(context.Background(), "blog", "nuke"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestAddRouteRollsBackOnReloadFailure(t *testing.T) {
	e, exec, _, _ := newTestEngine(t)
	exec.files["/etc/proxy/Caddyfile"] = []byte("old.example.com {\n\treverse_proxy old:80\n}\n")
	exec.fail["caddy reload"] = assertErr{}

	_, err := e.AddRoute(context.Background(), routes.Route{Domain: "new.example.com", Container: "new", Port: "8080"})
	if err == nil {
		t.Fatal("expected reload failure to propagate")
	}
	if got := string(exec.files["/etc/proxy/Caddyfile"]); !strings.Contains(got, "old.example.com") || strings.Contains(got, "new.example.com") {
		t.Fatalf("expected rollback to original content, got %q", got)
	}
}

func TestDeployFilesSwapsStagingIntoPlace(t *testing.T) {
	e, exec, _, _ := newTestEngine(t)
	_, err := e.DeployFiles(context.Background(), "blog", []StagedFile{
		{RelPath: "index.html", Data: []byte("<html/>")},
	})
	if err != nil {
		t.Fatalf("DeployFiles: %v", err)
	}
	if string(exec.files["/srv/sites/blog/.staging/index.html"]) != "<html/>" {
		t.Fatalf("expected staged file written, files=%v", exec.files)
	}
}

func TestDispatchContainerActionReportsLifecycle(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	var statuses []string
	err := e.DispatchContainerAction(context.Background(), "blog-web-1", "restart", func(status, _, _ string, _ int64) {
		statuses = append(statuses, status)
	})
	if err != nil {
		t.Fatalf("DispatchContainerAction: %v", err)
	}
	if len(statuses) != 2 || statuses[0] != "started" || statuses[1] != "completed" {
		t.Fatalf("expected started then completed, got %v", statuses)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "reload failed" }
