// Command siteflow is the control-plane daemon (spec §2): it wires the
// remote executor, discovery pipeline, state cache, topology builder,
// monitor loop, subscription hub, action engine, provisioner, audit store,
// backup ingest, health adapter, retention sweep, and HTTP surface into one
// running process. Grounded on the teacher's cmd/sentinel/main.go wiring
// shape: config.Load/Validate, construct dependencies leaves-first, start
// background loops as goroutines, signal-driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/siteflow/siteflow/internal/actions"
	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/backup"
	"github.com/siteflow/siteflow/internal/clock"
	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/health"
	"github.com/siteflow/siteflow/internal/httpapi"
	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/monitor"
	"github.com/siteflow/siteflow/internal/provision"
	"github.com/siteflow/siteflow/internal/remoteexec"
	"github.com/siteflow/siteflow/internal/retention"
	"github.com/siteflow/siteflow/internal/statecache"
	"github.com/siteflow/siteflow/internal/store"
	"github.com/siteflow/siteflow/internal/subscription"
	"github.com/siteflow/siteflow/internal/topology"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	log.Info("starting siteflow", "version", versionString())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pool, err := remoteexec.New(remoteexec.Config{
		Host:     cfg.SSHHost,
		Port:     cfg.SSHPort,
		User:     cfg.SSHUser,
		KeyPath:  cfg.SSHKeyPath,
		PoolSize: cfg.SSHPoolSize,
	}, log, clock.Real{})
	if err != nil {
		log.Error("failed to build remote executor", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	disc := discovery.New(pool, discovery.Config{
		SitesRoot:     cfg.SitesRoot,
		GatewayRoot:   cfg.GatewayRoot,
		DashboardDir:  cfg.DashboardDir,
		ProxyConfPath: cfg.ProxyConfPath,
		Target:        "gateway",
	}, log)

	cache := statecache.New(disc, clock.Real{}, log, cfg.StateCacheTTL())

	graphs := graphBuilder{tunnelID: cfg.TunnelID}

	auditStore := audit.New(db, log)
	backups := backup.New(db, log)

	healthAdapter := health.New(health.Config{
		Broker:          cfg.UptimeMQTTBroker,
		Username:        cfg.UptimeMQTTUsername,
		Password:        cfg.UptimeMQTTPassword,
		HeartbeatWindow: cfg.HeartbeatWindow,
	}, log)
	defer healthAdapter.Close()

	hub := subscription.NewHub(log)

	monitorLoop := monitor.New(cache, graphs, hub, log, clock.Real{}, cfg.MonitorInterval)

	dnsClient := provision.NewDNSClient(cfg.DNSAPIURL, cfg.DNSAPIToken)
	tunnelClient := provision.NewTunnelClient(cfg.TunnelAPIURL, cfg.TunnelID, cfg.TunnelToken)

	actionCfg := actions.Config{
		SitesRoot:     cfg.SitesRoot,
		ComposeFile:   "docker-compose.yml",
		ProxyConfPath: cfg.ProxyConfPath,
		ProxyTarget:   "gateway",
		ReloadCmd:     "caddy reload --config " + cfg.ProxyConfPath,
		MaxOutputLen:  cfg.AuditMaxOutputLen(),
	}
	engine := actions.New(pool, auditStore, cache, cache, actionCfg, log)

	provisioner := provision.New(pool, auditStore, cache, dnsClient, tunnelClient, healthAdapter, provision.Config{
		SitesRoot:     cfg.SitesRoot,
		ComposeFile:   "docker-compose.yml",
		ProxyConfPath: cfg.ProxyConfPath,
		ProxyTarget:   "gateway",
		ReloadCmd:     "caddy reload --config " + cfg.ProxyConfPath,
		BaseDomain:    cfg.BaseDomain,
		StartupWait:   30 * time.Second,
	}, log)

	retentionSpec := "0 3 * * *"
	sweep, err := retention.New(auditStore, backups, log, retentionSpec, cfg.AuditRetention, cfg.MetricsTextfilePath)
	if err != nil {
		log.Error("failed to build retention scheduler", "error", err)
		os.Exit(1)
	}

	server := httpapi.New(cfg.APIToken, cache, graphs, actionsAdapter{engine}, provisioner, auditStore, backups, cfg, healthAdapter, hub, engine, log)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: server}

	go func() {
		log.Info("http surface listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()

	go monitorLoop.Run(ctx)
	go sweep.Run(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	hub.Shutdown(5 * time.Second)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}
	log.Info("siteflow stopped")
}

// graphBuilder adapts topology.Build into the GraphBuilder interface shared
// by internal/monitor and internal/httpapi.
type graphBuilder struct {
	tunnelID string
}

func (g graphBuilder) Build(sites []discovery.Site) topology.Graph {
	return topology.Build(sites, topology.Options{TunnelID: g.tunnelID})
}

// actionsAdapter narrows *actions.Engine's StagedFile/DeployStatusInfo types
// to the httpapi-local DeployFile/DeployStatus shapes, so internal/httpapi
// never needs to import internal/actions for two plain structs.
type actionsAdapter struct {
	*actions.Engine
}

func (a actionsAdapter) DeployFiles(ctx context.Context, site string, files []httpapi.DeployFile) (string, error) {
	staged := make([]actions.StagedFile, len(files))
	for i, f := range files {
		staged[i] = actions.StagedFile{RelPath: f.RelPath, Data: f.Data}
	}
	return a.Engine.DeployFiles(ctx, site, staged)
}

func (a actionsAdapter) DeployStatus(ctx context.Context, site string) (httpapi.DeployStatus, error) {
	info, err := a.Engine.DeployStatus(ctx, site)
	if err != nil {
		return httpapi.DeployStatus{}, err
	}
	return httpapi.DeployStatus{
		Configured: info.Configured,
		RepoURL:    info.RepoURL,
		Branch:     info.Branch,
		LastCommit: info.LastCommit,
	}, nil
}
