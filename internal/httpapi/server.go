// Package httpapi implements the REST+WS surface (spec §6): one thin
// handler per route, JSON in/out, a shared bearer-token auth middleware, and
// error-kind-to-status mapping via siteflowerr. Grounded on
// internal/web/server.go's mux-plus-middleware-chain shape and
// internal/web/api_control.go's envelope-then-dispatch handlers, replacing
// the teacher's session/cookie auth with a single shared-secret token
// (SPEC_FULL.md Supplemented Features).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/backup"
	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/health"
	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/provision"
	"github.com/siteflow/siteflow/internal/routes"
	"github.com/siteflow/siteflow/internal/siteflowerr"
	"github.com/siteflow/siteflow/internal/subscription"
	"github.com/siteflow/siteflow/internal/topology"
)

// CacheGetter is the narrow slice of statecache.Cache the surface reads.
type CacheGetter interface {
	Get(ctx context.Context, forceRefresh bool) ([]discovery.Site, error)
	Invalidate()
}

// GraphBuilder builds a topology overlay for GET /graph/.
type GraphBuilder interface {
	Build(sites []discovery.Site) topology.Graph
}

// ThresholdProvider is the narrow slice of config.Config the HTTP surface
// reads to compute backup staleness (spec §4.10, §6 "backup freshness
// thresholds"). Keyed by backup.JobType string value ("db", "uploads", ...).
type ThresholdProvider interface {
	BackupThresholds() map[string]time.Duration
}

// Actions is the slice of actions.Engine the HTTP surface dispatches to.
type Actions interface {
	ContainerAction(ctx context.Context, container, action string) (string, error)
	SiteAction(ctx context.Context, site, action string) (string, error)
	ReverseProxyReload(ctx context.Context) (string, error)
	AddRoute(ctx context.Context, route routes.Route) (string, error)
	RemoveRoute(ctx context.Context, domain string) (string, error)
	DeployGit(ctx context.Context, site, repoURL, branch string) (string, error)
	DeployPull(ctx context.Context, site string) (string, error)
	DeployFiles(ctx context.Context, site string, files []DeployFile) (string, error)
	DeployStatus(ctx context.Context, site string) (DeployStatus, error)
}

// DeployStatus mirrors actions.DeployStatusInfo.
type DeployStatus struct {
	Configured bool   `json:"configured"`
	RepoURL    string `json:"repo_url,omitempty"`
	Branch     string `json:"branch,omitempty"`
	LastCommit string `json:"last_commit,omitempty"`
}

// DeployFile mirrors actions.StagedFile, kept as its own type so this
// package doesn't need to import internal/actions for a single struct shape.
type DeployFile struct {
	RelPath string
	Data    []byte
}

// Server wires every HTTP/WS route named in spec §6.
type Server struct {
	mux *http.ServeMux

	token string
	log   *logging.Logger

	state      CacheGetter
	graphs     GraphBuilder
	acts       Actions
	prov       *provision.Provisioner
	aud        *audit.Store
	backups    *backup.Ingester
	thresholds ThresholdProvider
	health     *health.Adapter
	hub        *subscription.Hub
	dispatch   subscription.ActionDispatcher
}

// New builds a Server and registers every route from spec §6.
func New(token string, state CacheGetter, graphs GraphBuilder, acts Actions, prov *provision.Provisioner, aud *audit.Store, backups *backup.Ingester, thresholds ThresholdProvider, healthAdapter *health.Adapter, hub *subscription.Hub, dispatch subscription.ActionDispatcher, log *logging.Logger) *Server {
	s := &Server{
		mux: http.NewServeMux(), token: token, log: log.Component("httpapi"),
		state: state, graphs: graphs, acts: acts, prov: prov, aud: aud, backups: backups, thresholds: thresholds, health: healthAdapter, hub: hub, dispatch: dispatch,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/sites/", s.auth(s.handleListSites))
	s.mux.HandleFunc("POST /api/sites/{site}/{action}", s.auth(s.handleSiteAction))
	s.mux.HandleFunc("POST /api/sites/containers/{name}/{action}", s.auth(s.handleContainerAction))
	s.mux.HandleFunc("POST /api/sites/caddy/reload", s.auth(s.handleCaddyReload))

	s.mux.HandleFunc("GET /api/graph/", s.auth(s.handleGraph))

	s.mux.HandleFunc("GET /api/routes/", s.auth(s.handleListRoutes))
	s.mux.HandleFunc("POST /api/routes/", s.auth(s.handleAddRoute))
	s.mux.HandleFunc("DELETE /api/routes/", s.auth(s.handleRemoveRoute))

	s.mux.HandleFunc("GET /api/provision/templates", s.auth(s.handleTemplates))
	s.mux.HandleFunc("POST /api/provision/detect", s.auth(s.handleDetect))
	s.mux.HandleFunc("POST /api/provision/", s.auth(s.handleProvisionCreate))
	s.mux.HandleFunc("DELETE /api/provision/", s.auth(s.handleProvisionDelete))

	s.mux.HandleFunc("POST /api/deploy/github", s.auth(s.handleDeployGitHub))
	s.mux.HandleFunc("POST /api/deploy/upload", s.auth(s.handleDeployUpload))
	s.mux.HandleFunc("POST /api/deploy/folder", s.auth(s.handleDeployFolder))
	s.mux.HandleFunc("POST /api/deploy/pull", s.auth(s.handleDeployPull))
	s.mux.HandleFunc("GET /api/deploy/{site}/status", s.auth(s.handleDeployStatus))

	s.mux.HandleFunc("GET /api/health/", s.auth(s.handleHealth))

	s.mux.HandleFunc("GET /api/audit/logs", s.auth(s.handleAuditLogs))
	s.mux.HandleFunc("POST /api/audit/cleanup", s.auth(s.handleAuditCleanup))

	s.mux.HandleFunc("POST /api/backups/runs", s.auth(s.handleBackupRuns))
	s.mux.HandleFunc("GET /api/backups/summary", s.auth(s.handleBackupSummary))
	s.mux.HandleFunc("GET /api/backups/snapshots", s.auth(s.handleBackupSnapshots))

	s.mux.HandleFunc("GET /api/ws", s.handleWS) // WS auth is via query token, see handleWS

	s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
}

// auth wraps h with the shared-secret bearer-token check (SPEC_FULL.md
// Supplemented Features). A blank configured token disables auth, useful
// for local development against a loopback-only bind.
func (s *Server) auth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			h(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != s.token {
			writeError(w, siteflowerr.New(siteflowerr.KindValidation, "missing or invalid bearer token"))
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := siteflowerr.KindOf(err)
	writeJSON(w, siteflowerr.StatusFor(kind), map[string]string{"error": err.Error(), "error_kind": string(kind)})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
