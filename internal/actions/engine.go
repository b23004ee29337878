// Package actions implements the Action Engine (spec §4.7): lifecycle
// operations against sites, containers, and the reverse proxy, each wrapped
// in the shared audit envelope. Per-site exclusivity (spec §5) rides on the
// Remote Executor's own per-target keyed serialization (internal/remoteexec)
// rather than a second queue layer — the same target string used for a
// site's actions is the one the executor already serializes commands
// against. Grounded on internal/engine/queue.go's map-keyed structure
// (the idiom, not the literal queue — see DESIGN.md) and
// internal/web/api_control.go's envelope-then-dispatch handler shape.
package actions

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/metrics"
	"github.com/siteflow/siteflow/internal/remoteexec"
	"github.com/siteflow/siteflow/internal/routes"
	"github.com/siteflow/siteflow/internal/siteflowerr"
	"github.com/siteflow/siteflow/internal/subscription"
)

// Default deadlines per spec §5.
const (
	defaultTimeout  = 30 * time.Second
	composeTimeout  = 120 * time.Second
	gitFetchTimeout = 300 * time.Second
	uploadTimeout   = 600 * time.Second
)

// Executor is the narrow slice of remoteexec.Pool the Action Engine drives.
type Executor interface {
	Run(ctx context.Context, target, cmd string, stdin []byte, timeout time.Duration) (remoteexec.Result, error)
	Upload(ctx context.Context, target, path string, data []byte, timeout time.Duration) error
	ReadFile(ctx context.Context, target, path string, timeout time.Duration) ([]byte, error)
	WriteAtomic(ctx context.Context, target, path string, data []byte, timeout time.Duration) error
}

// AuditWriter is the narrow slice of audit.Store the envelope needs.
type AuditWriter interface {
	Append(ctx context.Context, e audit.Entry) (int64, error)
	Update(ctx context.Context, id int64, patch audit.Patch) error
}

// CacheInvalidator is the narrow slice of statecache.Cache the engine
// invalidates after a state-changing action succeeds (spec §4.3).
type CacheInvalidator interface {
	Invalidate()
}

// SiteLookup resolves a live container name back to its owning site, so
// container actions serialize on the same target key as that site's
// compose invocations (spec §4.1 "serialized per logical target").
type SiteLookup interface {
	Snapshot() ([]discovery.Site, bool)
}

// Config configures where the Action Engine operates on the remote host.
type Config struct {
	SitesRoot      string
	ComposeFile    string // default "docker-compose.yml"
	ProxyConfPath  string
	ProxyTarget    string // logical target name for gateway/proxy operations, e.g. "gateway"
	ReloadCmd      string // shell command that reloads the reverse proxy
	MaxOutputLen   int    // spec §4.7 "truncated to a configurable max length"
}

// Engine implements the Action Engine (spec §4.7).
type Engine struct {
	exec  Executor
	aud   AuditWriter
	cache CacheInvalidator
	sites SiteLookup
	cfg   Config
	log   *logging.Logger
}

// New builds an Engine.
func New(exec Executor, aud AuditWriter, cache CacheInvalidator, sites SiteLookup, cfg Config, log *logging.Logger) *Engine {
	if cfg.ComposeFile == "" {
		cfg.ComposeFile = "docker-compose.yml"
	}
	if cfg.MaxOutputLen <= 0 {
		cfg.MaxOutputLen = 8192
	}
	return &Engine{exec: exec, aud: aud, cache: cache, sites: sites, cfg: cfg, log: log.Component("actions")}
}

// Result is the outcome of an audited action, as the HTTP surface needs it.
type Result struct {
	Output string
	Error  error
}

// withAudit wraps fn in the shared audit envelope (spec §4.7): writes a
// pending entry, runs fn, finalizes to success/failure with truncated
// output and duration. A failed audit write never fails the action itself
// (spec: "Failure of the audit write never causes the wrapped action to
// fail; it is logged only").
func (e *Engine) withAudit(ctx context.Context, actionType, targetType, targetName string, fn func(ctx context.Context) (string, error)) (string, error) {
	start := time.Now()
	id, auditErr := e.aud.Append(ctx, audit.Entry{
		Timestamp: start, ActionType: actionType, TargetType: targetType, TargetName: targetName, Status: audit.StatusPending,
	})
	if auditErr != nil {
		e.log.Warn("failed to write pending audit entry", "action_type", actionType, "target", targetName, "error", auditErr)
	}

	output, err := fn(ctx)
	duration := time.Since(start)
	truncated := truncate(output, e.cfg.MaxOutputLen)

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.ActionsTotal.WithLabelValues(actionType, status).Inc()
	metrics.ActionDuration.WithLabelValues(actionType).Observe(duration.Seconds())

	if auditErr == nil {
		patch := audit.Patch{Status: audit.StatusSuccess, Output: truncated, DurationMs: duration.Milliseconds()}
		if err != nil {
			patch.Status = audit.StatusFailure
			patch.ErrorMessage = err.Error()
		}
		if uerr := e.aud.Update(ctx, id, patch); uerr != nil {
			e.log.Warn("failed to finalize audit entry", "id", id, "error", uerr)
		}
	}

	if err == nil && e.cache != nil {
		e.cache.Invalidate()
	}
	return truncated, err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// ContainerAction runs a container-scoped action (spec §4.7). For "logs" it
// captures and returns the tail of output; for start/stop/restart it runs
// the container control command and returns combined stdout/stderr.
func (e *Engine) ContainerAction(ctx context.Context, container, action string) (string, error) {
	target := e.targetForContainer(container)
	return e.withAudit(ctx, "container_"+action, "container", container, func(ctx context.Context) (string, error) {
		var cmd string
		timeout := defaultTimeout
		switch action {
		case "logs":
			cmd = "docker logs --tail 200 " + remoteexec.Quote(container)
		case "start", "stop", "restart":
			cmd = "docker container " + action + " " + remoteexec.Quote(container)
		default:
			return "", siteflowerr.New(siteflowerr.KindValidation, "unknown container action: "+action)
		}
		res, err := e.exec.Run(ctx, target, cmd, nil, timeout)
		return combinedOutput(res), err
	})
}

// DispatchContainerAction implements subscription.ActionDispatcher: it runs
// ContainerAction and reports started/completed/failed back through report,
// matching the WS action.output contract (spec §4.6, §9 Open Question a).
func (e *Engine) DispatchContainerAction(ctx context.Context, container, action string, report func(status, output, errMsg string, durationMs int64)) error {
	report(subscription.ActionStarted, "", "", 0)
	start := time.Now()
	output, err := e.ContainerAction(ctx, container, action)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		report(subscription.ActionFailed, output, err.Error(), duration)
		return err
	}
	report(subscription.ActionCompleted, output, "", duration)
	return nil
}

// SiteAction runs a site-scoped compose action (spec §4.7), serialized
// against that site's target.
func (e *Engine) SiteAction(ctx context.Context, site, action string) (string, error) {
	if action != "start" && action != "stop" && action != "restart" {
		return "", siteflowerr.New(siteflowerr.KindValidation, "unknown site action: "+action)
	}
	return e.withAudit(ctx, "site_"+action, "site", site, func(ctx context.Context) (string, error) {
		composePath := path.Join(e.cfg.SitesRoot, site, e.cfg.ComposeFile)
		cmd := fmt.Sprintf("docker compose -f %s %s", remoteexec.Quote(composePath), composeAction(action))
		res, err := e.exec.Run(ctx, site, cmd, nil, composeTimeout)
		return combinedOutput(res), err
	})
}

func composeAction(action string) string {
	switch action {
	case "start":
		return "up -d"
	case "stop":
		return "down"
	case "restart":
		return "restart"
	default:
		return action
	}
}

// ReverseProxyReload validates and reloads the reverse proxy config (spec
// §4.7), reporting parse errors distinctly from reload failures.
func (e *Engine) ReverseProxyReload(ctx context.Context) (string, error) {
	return e.withAudit(ctx, "caddy_reload", "gateway", e.cfg.ProxyTarget, func(ctx context.Context) (string, error) {
		data, err := e.exec.ReadFile(ctx, e.cfg.ProxyTarget, e.cfg.ProxyConfPath, defaultTimeout)
		if err != nil {
			return "", siteflowerr.Wrap(siteflowerr.KindTransport, "read proxy config", err)
		}
		if _, err := routes.Parse(data); err != nil {
			return "", siteflowerr.Wrap(siteflowerr.KindValidation, "invalid proxy config", err)
		}
		res, err := e.exec.Run(ctx, e.cfg.ProxyTarget, e.cfg.ReloadCmd, nil, defaultTimeout)
		if err != nil {
			return combinedOutput(res), siteflowerr.Wrap(siteflowerr.KindCommand, "reload reverse proxy", err)
		}
		return combinedOutput(res), nil
	})
}

// AddRoute appends a route, edits the proxy config atomically, and reloads,
// rolling back the file on reload failure (spec §4.7).
func (e *Engine) AddRoute(ctx context.Context, route routes.Route) (string, error) {
	return e.withAudit(ctx, "route_add", "route", route.Domain, func(ctx context.Context) (string, error) {
		return e.editRoutes(ctx, func(current []routes.Route) ([]routes.Route, error) {
			return routes.Add(current, route)
		})
	})
}

// RemoveRoute drops a route, edits the config atomically, and reloads,
// rolling back on reload failure (spec §4.7).
func (e *Engine) RemoveRoute(ctx context.Context, domain string) (string, error) {
	return e.withAudit(ctx, "route_remove", "route", domain, func(ctx context.Context) (string, error) {
		return e.editRoutes(ctx, func(current []routes.Route) ([]routes.Route, error) {
			return routes.Remove(current, domain), nil
		})
	})
}

func (e *Engine) editRoutes(ctx context.Context, mutate func([]routes.Route) ([]routes.Route, error)) (string, error) {
	original, err := e.exec.ReadFile(ctx, e.cfg.ProxyTarget, e.cfg.ProxyConfPath, defaultTimeout)
	if err != nil {
		return "", siteflowerr.Wrap(siteflowerr.KindTransport, "read proxy config", err)
	}
	current, err := routes.Parse(original)
	if err != nil {
		return "", siteflowerr.Wrap(siteflowerr.KindValidation, "invalid proxy config", err)
	}

	updated, err := mutate(current)
	if err != nil {
		return "", siteflowerr.Wrap(siteflowerr.KindConflict, "edit routes", err)
	}

	rendered := routes.Render(updated)
	if err := e.exec.WriteAtomic(ctx, e.cfg.ProxyTarget, e.cfg.ProxyConfPath, rendered, defaultTimeout); err != nil {
		return "", siteflowerr.Wrap(siteflowerr.KindTransport, "write proxy config", err)
	}

	res, err := e.exec.Run(ctx, e.cfg.ProxyTarget, e.cfg.ReloadCmd, nil, defaultTimeout)
	if err != nil {
		// Roll back the file to its pre-edit contents on reload failure.
		if rerr := e.exec.WriteAtomic(ctx, e.cfg.ProxyTarget, e.cfg.ProxyConfPath, original, defaultTimeout); rerr != nil {
			e.log.Error("failed to roll back proxy config after reload failure", "error", rerr)
		}
		return combinedOutput(res), siteflowerr.Wrap(siteflowerr.KindCommand, "reload after route edit", err)
	}
	return combinedOutput(res), nil
}

// DeployGit clones (if absent) or fetches a site's repository and reports
// the resolved commit (spec §4.7 "Deploy from Git").
func (e *Engine) DeployGit(ctx context.Context, site, repoURL, branch string) (string, error) {
	return e.withAudit(ctx, "deploy_git", "site", site, func(ctx context.Context) (string, error) {
		sitePath := path.Join(e.cfg.SitesRoot, site)
		checkRes, _ := e.exec.Run(ctx, site, "test -d "+remoteexec.Quote(path.Join(sitePath, ".git"))+" && echo present", nil, defaultTimeout)
		var cmd string
		if strings.TrimSpace(string(checkRes.Stdout)) == "present" {
			cmd = fmt.Sprintf("cd %s && git fetch --ff-only origin %s && git checkout %s",
				remoteexec.Quote(sitePath), remoteexec.Quote(coalesce(branch, "main")), remoteexec.Quote(coalesce(branch, "main")))
		} else {
			cloneCmd := "git clone " + remoteexec.QuoteAll(repoURL, sitePath)
			if branch != "" {
				cloneCmd = "git clone --branch " + remoteexec.QuoteAll(branch, repoURL, sitePath)
			}
			cmd = cloneCmd
		}
		res, err := e.exec.Run(ctx, site, cmd, nil, gitFetchTimeout)
		if err != nil {
			return combinedOutput(res), siteflowerr.Wrap(siteflowerr.KindCommand, "deploy from git", err)
		}
		commit, cerr := e.exec.Run(ctx, site, "cd "+remoteexec.Quote(sitePath)+" && git rev-parse HEAD", nil, defaultTimeout)
		if cerr != nil {
			return combinedOutput(res), nil
		}
		return combinedOutput(res) + "\ncommit: " + strings.TrimSpace(string(commit.Stdout)), nil
	})
}

// DeployPull runs a fast-forward fetch and reports the resolved commit
// (spec §4.7 "Deploy from upload / folder" sibling operation, §6 `/deploy/pull`).
func (e *Engine) DeployPull(ctx context.Context, site string) (string, error) {
	return e.withAudit(ctx, "deploy_pull", "site", site, func(ctx context.Context) (string, error) {
		sitePath := path.Join(e.cfg.SitesRoot, site)
		cmd := "cd " + remoteexec.Quote(sitePath) + " && git fetch --ff-only && git merge --ff-only @{u} && git rev-parse HEAD"
		res, err := e.exec.Run(ctx, site, cmd, nil, gitFetchTimeout)
		if err != nil {
			return combinedOutput(res), siteflowerr.Wrap(siteflowerr.KindCommand, "pull", err)
		}
		return strings.TrimSpace(string(res.Stdout)), nil
	})
}

// DeployStatusInfo reports whether a site has a git checkout configured for
// pull-based deploys, and if so its remote URL, branch, and last commit
// (spec §6 `GET /deploy/{site}/status`). Read-only: not wrapped in the
// audit envelope since it changes nothing.
type DeployStatusInfo struct {
	Configured bool
	RepoURL    string
	Branch     string
	LastCommit string
}

func (e *Engine) DeployStatus(ctx context.Context, site string) (DeployStatusInfo, error) {
	sitePath := path.Join(e.cfg.SitesRoot, site)
	check, err := e.exec.Run(ctx, site, "test -d "+remoteexec.Quote(path.Join(sitePath, ".git"))+" && echo present", nil, defaultTimeout)
	if err != nil || strings.TrimSpace(string(check.Stdout)) != "present" {
		return DeployStatusInfo{Configured: false}, nil
	}
	cmd := "cd " + remoteexec.Quote(sitePath) + " && git remote get-url origin && git rev-parse --abbrev-ref HEAD && git rev-parse HEAD"
	res, err := e.exec.Run(ctx, site, cmd, nil, defaultTimeout)
	if err != nil {
		return DeployStatusInfo{}, siteflowerr.Wrap(siteflowerr.KindCommand, "read deploy status", err)
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	info := DeployStatusInfo{Configured: true}
	if len(lines) > 0 {
		info.RepoURL = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		info.Branch = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		info.LastCommit = strings.TrimSpace(lines[2])
	}
	return info, nil
}

// StagedFile is one file to materialize during an upload/folder deploy.
type StagedFile struct {
	RelPath string
	Data    []byte
}

// DeployFiles receives files into a staging directory under the site path
// and atomically swaps it into place (spec §4.7 "Deploy from upload / folder").
func (e *Engine) DeployFiles(ctx context.Context, site string, files []StagedFile) (string, error) {
	return e.withAudit(ctx, "deploy_files", "site", site, func(ctx context.Context) (string, error) {
		sitePath := path.Join(e.cfg.SitesRoot, site)
		staging := path.Join(sitePath, ".staging")
		live := path.Join(sitePath, "content")

		if _, err := e.exec.Run(ctx, site, "rm -rf "+remoteexec.Quote(staging)+" && mkdir -p "+remoteexec.Quote(staging), nil, defaultTimeout); err != nil {
			return "", siteflowerr.Wrap(siteflowerr.KindCommand, "prepare staging directory", err)
		}
		for _, f := range files {
			dest := path.Join(staging, f.RelPath)
			dir := path.Dir(dest)
			if _, err := e.exec.Run(ctx, site, "mkdir -p "+remoteexec.Quote(dir), nil, defaultTimeout); err != nil {
				return "", siteflowerr.Wrap(siteflowerr.KindCommand, "create staging subdirectory", err)
			}
			if err := e.exec.Upload(ctx, site, dest, f.Data, uploadTimeout); err != nil {
				return "", siteflowerr.Wrap(siteflowerr.KindTransport, "upload "+f.RelPath, err)
			}
		}

		swap := fmt.Sprintf("rm -rf %s && mv %s %s", remoteexec.Quote(live), remoteexec.Quote(staging), remoteexec.Quote(live))
		res, err := e.exec.Run(ctx, site, swap, nil, uploadTimeout)
		if err != nil {
			return combinedOutput(res), siteflowerr.Wrap(siteflowerr.KindCommand, "swap staged content into place", err)
		}
		return fmt.Sprintf("deployed %d files to %s", len(files), live), nil
	})
}

// targetForContainer resolves a container to its owning site's target key,
// so container actions serialize against the same queue as that site's
// compose invocations. Falls back to the container name itself when the
// site can't be resolved (still serializes repeat actions on it).
func (e *Engine) targetForContainer(container string) string {
	if e.sites == nil {
		return container
	}
	sites, ok := e.sites.Snapshot()
	if !ok {
		return container
	}
	for _, s := range sites {
		for _, c := range s.Containers {
			if c.Name == container {
				return s.Name
			}
		}
	}
	return container
}

func combinedOutput(res remoteexec.Result) string {
	var b strings.Builder
	b.Write(res.Stdout)
	if len(res.Stderr) > 0 {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.Write(res.Stderr)
	}
	return b.String()
}

func coalesce(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
