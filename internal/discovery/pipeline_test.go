package discovery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/remoteexec"
)

type fakeExecutor struct {
	files map[string]string
	cmds  map[string]string
}

func (f *fakeExecutor) Run(_ context.Context, _, cmd string, _ []byte, _ time.Duration) (remoteexec.Result, error) {
	for prefix, out := range f.cmds {
		if strings.HasPrefix(cmd, prefix) {
			return remoteexec.Result{Stdout: []byte(out)}, nil
		}
	}
	return remoteexec.Result{}, nil
}

func (f *fakeExecutor) ReadFile(_ context.Context, _, path string, _ time.Duration) ([]byte, error) {
	if data, ok := f.files[path]; ok {
		return []byte(data), nil
	}
	return nil, errNotFoundForTest
}

var errNotFoundForTest = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

const blogCompose = `
services:
  web:
    image: wordpress:6.5
    container_name: blog-web-1
    ports:
      - "8080:80"
    environment:
      - WORDPRESS_DB_HOST=db
  db:
    image: mysql:8
    container_name: blog-db-1
`

const blogInspectJSON = `[
  {"Name": "/blog-web-1", "Config": {"Image": "wordpress:6.5"}, "State": {"Status": "running", "Running": true, "StartedAt": "2026-07-30T00:00:00Z"}, "NetworkSettings": {"Ports": {}}},
  {"Name": "/blog-db-1", "Config": {"Image": "mysql:8"}, "State": {"Status": "exited", "Running": false, "StartedAt": "2026-07-29T00:00:00Z"}, "NetworkSettings": {"Ports": {}}}
]`

const proxyConf = `blog.example.com {
	reverse_proxy blog-web-1:8080
}
`

func TestDiscoverAssemblesSite(t *testing.T) {
	exec := &fakeExecutor{
		files: map[string]string{
			"/srv/sites/blog/docker-compose.yml": blogCompose,
			"/srv/gateway/Caddyfile":              proxyConf,
		},
		cmds: map[string]string{
			"ls -1":          "blog\ngateway\nsiteflow\n",
			"docker ps -aq":  "c1\nc2\n",
			"docker inspect": blogInspectJSON,
		},
	}

	log := logging.New(false)
	p := New(exec, Config{
		SitesRoot:     "/srv/sites",
		GatewayRoot:   "gateway",
		DashboardDir:  "siteflow",
		ProxyConfPath: "/srv/gateway/Caddyfile",
		Target:        "host",
	}, log)

	sites, err := p.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("expected 1 site (gateway/siteflow denylisted), got %d: %+v", len(sites), sites)
	}
	site := sites[0]
	if site.Name != "blog" {
		t.Fatalf("expected site name blog, got %s", site.Name)
	}
	if site.Status != StatusDegraded {
		t.Fatalf("expected degraded status (one up, one down), got %s", site.Status)
	}
	if len(site.Domains) != 1 || site.Domains[0] != "blog.example.com" {
		t.Fatalf("expected domain blog.example.com, got %+v", site.Domains)
	}
}

func TestDiscoverIsolatesBrokenSite(t *testing.T) {
	exec := &fakeExecutor{
		files: map[string]string{}, // no compose file for "broken"
		cmds: map[string]string{
			"ls -1":          "broken\n",
			"docker ps -aq":  "",
			"docker inspect": "[]",
		},
	}
	p := New(exec, Config{SitesRoot: "/srv/sites", Target: "host"}, logging.New(false))
	sites, err := p.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(sites) != 1 || sites[0].Status != StatusUnknown {
		t.Fatalf("expected isolated unknown-status site, got %+v", sites)
	}
	if sites[0].Meta["error"] == "" {
		t.Fatal("expected meta.error to be set")
	}
}
