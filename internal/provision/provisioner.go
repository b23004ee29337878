// Package provision (continued): the Provisioner itself — template
// selection, directory/compose materialization, external-resource
// coordination, and the transactional create/deprovision flows (spec §4.8).
// Grounded on internal/engine/rollback.go's compensation-stack shape, widened
// from a single image-update undo into an ordered stack of named undo steps.
package provision

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/metrics"
	"github.com/siteflow/siteflow/internal/remoteexec"
	"github.com/siteflow/siteflow/internal/routes"
	"github.com/siteflow/siteflow/internal/siteflowerr"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// ValidateName enforces spec §4.8 step 1: lowercase [a-z0-9-], leading and
// trailing alphanumeric, length >= 2.
func ValidateName(name string) error {
	if len(name) < 2 || !nameRe.MatchString(name) {
		return siteflowerr.New(siteflowerr.KindValidation, "invalid site name: "+name)
	}
	return nil
}

// Executor is the narrow slice of remoteexec.Pool the Provisioner drives.
type Executor interface {
	Run(ctx context.Context, target, cmd string, stdin []byte, timeout time.Duration) (remoteexec.Result, error)
	Upload(ctx context.Context, target, path string, data []byte, timeout time.Duration) error
	ReadFile(ctx context.Context, target, path string, timeout time.Duration) ([]byte, error)
	WriteAtomic(ctx context.Context, target, path string, data []byte, timeout time.Duration) error
}

// AuditWriter is the narrow slice of audit.Store the Provisioner writes to.
type AuditWriter interface {
	Append(ctx context.Context, e audit.Entry) (int64, error)
	Update(ctx context.Context, id int64, patch audit.Patch) error
}

// CacheInvalidator is the narrow slice of statecache.Cache the Provisioner
// invalidates after a successful create or deprovision.
type CacheInvalidator interface {
	Invalidate()
}

// StagedFile is one file supplied by the caller for a provision request
// (spec §4.8 step 2 "if the caller provides files").
type StagedFile struct {
	RelPath string
	Data    []byte
}

// Config configures where the Provisioner materializes sites and how it
// reaches external collaborators.
type Config struct {
	SitesRoot     string
	ComposeFile   string // default "docker-compose.yml"
	ProxyConfPath string
	ProxyTarget   string
	ReloadCmd     string
	BaseDomain    string
	StartupWait   time.Duration // bounded wait for a container to report Up, default 30s
}

// Provisioner implements spec §4.8.
type Provisioner struct {
	exec    Executor
	aud     AuditWriter
	cache   CacheInvalidator
	dns     DNSClient
	tunnel  TunnelClient
	monitor MonitorClient
	cfg     Config
	log     *logging.Logger
}

// New builds a Provisioner.
func New(exec Executor, aud AuditWriter, cache CacheInvalidator, dns DNSClient, tunnel TunnelClient, monitor MonitorClient, cfg Config, log *logging.Logger) *Provisioner {
	if cfg.ComposeFile == "" {
		cfg.ComposeFile = "docker-compose.yml"
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = 30 * time.Second
	}
	return &Provisioner{exec: exec, aud: aud, cache: cache, dns: dns, tunnel: tunnel, monitor: monitor, cfg: cfg, log: log.Component("provision")}
}

// CreateRequest is the input to Create (spec §4.8 "Create").
type CreateRequest struct {
	Name        string
	Template    Template // empty: detected from Files when Detect is set and Files is non-empty, else static
	Domain      string   // defaults to "{name}.{base_domain}"
	Environment map[string]string
	Files       []StagedFile
	Detect      bool
}

// CreateResult reports the outcome of a successful Create.
type CreateResult struct {
	Name     string   `json:"name"`
	Template Template `json:"template"`
	Domain   string   `json:"domain"`
}

// compensation is one named undo step, run in reverse on rollback.
type compensation struct {
	desc string
	undo func(ctx context.Context) error
}

// Create provisions a new site, rolling back every completed step in
// reverse order if any later step fails (spec §4.8 "Transactional rollback").
func (p *Provisioner) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	start := time.Now()
	auditID, auditErr := p.aud.Append(ctx, audit.Entry{
		Timestamp: start, ActionType: "site_provision", TargetType: "site", TargetName: req.Name, Status: audit.StatusPending,
	})
	if auditErr != nil {
		p.log.Warn("failed to write pending audit entry", "site", req.Name, "error", auditErr)
	}

	result, compensations, err := p.create(ctx, req)
	duration := time.Since(start)

	if err != nil {
		metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		performed := p.rollback(ctx, compensations)
		reason := fmt.Sprintf("%v (rolled back: %s)", err, strings.Join(performed, ", "))
		if auditErr == nil {
			_ = p.aud.Update(ctx, auditID, audit.Patch{Status: audit.StatusFailure, ErrorMessage: reason, DurationMs: duration.Milliseconds()})
		}
		return CreateResult{}, err
	}

	metrics.ProvisionsTotal.WithLabelValues("success").Inc()
	if auditErr == nil {
		_ = p.aud.Update(ctx, auditID, audit.Patch{Status: audit.StatusSuccess, Output: fmt.Sprintf("provisioned %s as %s", req.Name, result.Template), DurationMs: duration.Milliseconds()})
	}
	if p.cache != nil {
		p.cache.Invalidate()
	}
	return result, nil
}

func (p *Provisioner) create(ctx context.Context, req CreateRequest) (CreateResult, []compensation, error) {
	var stack []compensation

	if err := ValidateName(req.Name); err != nil {
		return CreateResult{}, stack, err
	}

	tmpl := req.Template
	if tmpl == "" {
		if req.Detect && len(req.Files) > 0 {
			files := make([]string, len(req.Files))
			for i, f := range req.Files {
				files[i] = f.RelPath
			}
			tmpl = Detect(files).DetectedType
		} else {
			tmpl = TemplateStatic
		}
	}
	if !validTemplates[tmpl] {
		return CreateResult{}, stack, siteflowerr.New(siteflowerr.KindValidation, "unknown template: "+string(tmpl))
	}

	domain := req.Domain
	if domain == "" {
		domain = req.Name + "." + p.cfg.BaseDomain
	}

	sitePath := path.Join(p.cfg.SitesRoot, req.Name)

	// Step 3: directory skeleton + compose file + initial content.
	dirs := append([]string{""}, RequiredDirs(tmpl)...)
	mkdirCmd := "mkdir -p"
	for _, d := range dirs {
		mkdirCmd += " " + remoteexec.Quote(path.Join(sitePath, d))
	}
	if _, err := p.exec.Run(ctx, req.Name, mkdirCmd, nil, 30*time.Second); err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindCommand, "create site directory skeleton", err)
	}
	stack = append(stack, compensation{
		desc: "remove site directory",
		undo: func(ctx context.Context) error {
			_, err := p.exec.Run(ctx, req.Name, "rm -rf "+remoteexec.Quote(sitePath), nil, 30*time.Second)
			return err
		},
	})

	composeData, err := ComposeFile(tmpl, req.Name, req.Environment)
	if err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindValidation, "render compose file", err)
	}
	composePath := path.Join(sitePath, p.cfg.ComposeFile)
	if err := p.exec.Upload(ctx, req.Name, composePath, composeData, 30*time.Second); err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindTransport, "upload compose file", err)
	}

	if len(req.Files) > 0 {
		for _, f := range req.Files {
			dest := path.Join(sitePath, "content", f.RelPath)
			if _, err := p.exec.Run(ctx, req.Name, "mkdir -p "+remoteexec.Quote(path.Dir(dest)), nil, 30*time.Second); err != nil {
				return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindCommand, "create content subdirectory", err)
			}
			if err := p.exec.Upload(ctx, req.Name, dest, f.Data, 300*time.Second); err != nil {
				return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindTransport, "upload "+f.RelPath, err)
			}
		}
	} else if tmpl == TemplateStatic {
		indexPath := path.Join(sitePath, "content", "index.html")
		if err := p.exec.Upload(ctx, req.Name, indexPath, DefaultIndexHTML(req.Name), 30*time.Second); err != nil {
			return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindTransport, "upload default landing page", err)
		}
	}

	// Step 4: append a reverse-proxy route.
	original, err := p.exec.ReadFile(ctx, p.cfg.ProxyTarget, p.cfg.ProxyConfPath, 30*time.Second)
	if err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindTransport, "read proxy config", err)
	}
	currentRoutes, err := routes.Parse(original)
	if err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindValidation, "parse proxy config", err)
	}
	updatedRoutes, err := routes.Add(currentRoutes, routes.Route{Domain: domain, Container: req.Name + "-web-1", Port: "80"})
	if err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindConflict, "add route", err)
	}
	if err := p.exec.WriteAtomic(ctx, p.cfg.ProxyTarget, p.cfg.ProxyConfPath, routes.Render(updatedRoutes), 30*time.Second); err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindTransport, "write proxy config", err)
	}
	stack = append(stack, compensation{
		desc: "restore proxy config",
		undo: func(ctx context.Context) error {
			return p.exec.WriteAtomic(ctx, p.cfg.ProxyTarget, p.cfg.ProxyConfPath, original, 30*time.Second)
		},
	})

	// Step 5: coordinate external resources. Each is idempotent and pushes
	// its own compensation.
	if err := p.dns.CreateRecord(ctx, domain, p.cfg.ProxyTarget); err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindTransport, "create DNS record", err)
	}
	stack = append(stack, compensation{desc: "delete DNS record", undo: func(ctx context.Context) error { return ignoreNotFound(p.dns.DeleteRecord(ctx, domain)) }})

	if err := p.tunnel.RegisterHostname(ctx, domain, p.cfg.ProxyTarget); err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindTransport, "register tunnel hostname", err)
	}
	stack = append(stack, compensation{desc: "remove tunnel hostname", undo: func(ctx context.Context) error { return ignoreNotFound(p.tunnel.RemoveHostname(ctx, domain)) }})

	if err := p.monitor.CreateMonitor(ctx, req.Name, "https://"+domain); err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindTransport, "create uptime monitor", err)
	}
	stack = append(stack, compensation{desc: "delete uptime monitor", undo: func(ctx context.Context) error { return ignoreNotFound(p.monitor.DeleteMonitor(ctx, req.Name)) }})

	// Step 6: bring services up and wait for at least one container Up.
	upCmd := fmt.Sprintf("docker compose -f %s up -d", remoteexec.Quote(composePath))
	if _, err := p.exec.Run(ctx, req.Name, upCmd, nil, 120*time.Second); err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindCommand, "bring services up", err)
	}
	stack = append(stack, compensation{
		desc: "stop services",
		undo: func(ctx context.Context) error {
			downCmd := fmt.Sprintf("docker compose -f %s down", remoteexec.Quote(composePath))
			_, err := p.exec.Run(ctx, req.Name, downCmd, nil, 120*time.Second)
			return err
		},
	})
	if err := p.waitForUp(ctx, req.Name); err != nil {
		return CreateResult{}, stack, err
	}

	// Step 7: reload the reverse proxy.
	if _, err := p.exec.Run(ctx, p.cfg.ProxyTarget, p.cfg.ReloadCmd, nil, 30*time.Second); err != nil {
		return CreateResult{}, stack, siteflowerr.Wrap(siteflowerr.KindCommand, "reload reverse proxy", err)
	}

	return CreateResult{Name: req.Name, Template: tmpl, Domain: domain}, stack, nil
}

// waitForUp polls the site's containers until at least one reports Up or
// the configured bound elapses (spec §4.8 step 6).
func (p *Provisioner) waitForUp(ctx context.Context, site string) error {
	deadline := time.Now().Add(p.cfg.StartupWait)
	cmd := fmt.Sprintf("docker ps --filter %s --format '{{.Status}}'", remoteexec.Quote("name="+site+"-"))
	for {
		res, err := p.exec.Run(ctx, site, cmd, nil, 10*time.Second)
		if err == nil {
			for _, line := range strings.Split(string(res.Stdout), "\n") {
				if strings.HasPrefix(strings.TrimSpace(line), "Up") {
					return nil
				}
			}
		}
		if time.Now().After(deadline) {
			return siteflowerr.New(siteflowerr.KindTimeout, "no container reported Up within startup window")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// rollback runs compensations in reverse order, collecting their
// descriptions regardless of individual undo failures (each failure is
// logged, not propagated, so a partial rollback still completes).
func (p *Provisioner) rollback(ctx context.Context, stack []compensation) []string {
	performed := make([]string, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		c := stack[i]
		if err := c.undo(ctx); err != nil {
			p.log.Warn("compensation step failed", "step", c.desc, "error", err)
		}
		performed = append(performed, c.desc)
	}
	return performed
}

// ignoreNotFound treats an already-absent external resource as success
// (DESIGN.md Open Question (b): IntegrityError during deprovision/rollback
// is idempotent and not propagated; deprovision logs the absence at warn).
func ignoreNotFound(err error) error {
	if err == ErrResourceNotFound {
		return nil
	}
	return err
}

// DeprovisionRequest is the input to Deprovision (spec §4.8 "Deprovision").
type DeprovisionRequest struct {
	Name          string
	RemoveVolumes bool
	RemoveFiles   bool
}

// Deprovision tears a site down. Missing external resources are not errors;
// the whole operation is idempotent (spec §4.8).
func (p *Provisioner) Deprovision(ctx context.Context, req DeprovisionRequest) error {
	start := time.Now()
	auditID, auditErr := p.aud.Append(ctx, audit.Entry{
		Timestamp: start, ActionType: "site_deprovision", TargetType: "site", TargetName: req.Name, Status: audit.StatusPending,
	})
	if auditErr != nil {
		p.log.Warn("failed to write pending audit entry", "site", req.Name, "error", auditErr)
	}

	err := p.deprovision(ctx, req)
	duration := time.Since(start)

	if auditErr == nil {
		patch := audit.Patch{Status: audit.StatusSuccess, DurationMs: duration.Milliseconds()}
		if err != nil {
			patch.Status = audit.StatusFailure
			patch.ErrorMessage = err.Error()
		}
		_ = p.aud.Update(ctx, auditID, patch)
	}
	if err == nil && p.cache != nil {
		p.cache.Invalidate()
	}
	return err
}

func (p *Provisioner) deprovision(ctx context.Context, req DeprovisionRequest) error {
	sitePath := path.Join(p.cfg.SitesRoot, req.Name)
	composePath := path.Join(sitePath, p.cfg.ComposeFile)

	downCmd := fmt.Sprintf("docker compose -f %s down", remoteexec.Quote(composePath))
	if req.RemoveVolumes {
		downCmd += " --volumes"
	}
	if _, err := p.exec.Run(ctx, req.Name, downCmd, nil, 120*time.Second); err != nil {
		p.log.Warn("stack stop reported an error, continuing with deprovision", "site", req.Name, "error", err)
	}

	original, err := p.exec.ReadFile(ctx, p.cfg.ProxyTarget, p.cfg.ProxyConfPath, 30*time.Second)
	if err == nil {
		current, perr := routes.Parse(original)
		if perr == nil {
			var domain string
			for _, r := range current {
				if r.Container == req.Name+"-web-1" {
					domain = r.Domain
				}
			}
			if domain != "" {
				updated := routes.Remove(current, domain)
				if werr := p.exec.WriteAtomic(ctx, p.cfg.ProxyTarget, p.cfg.ProxyConfPath, routes.Render(updated), 30*time.Second); werr != nil {
					return siteflowerr.Wrap(siteflowerr.KindTransport, "remove proxy route", werr)
				}
				if _, rerr := p.exec.Run(ctx, p.cfg.ProxyTarget, p.cfg.ReloadCmd, nil, 30*time.Second); rerr != nil {
					return siteflowerr.Wrap(siteflowerr.KindCommand, "reload reverse proxy", rerr)
				}
				if derr := p.dns.DeleteRecord(ctx, domain); ignoreNotFound(derr) != nil {
					return siteflowerr.Wrap(siteflowerr.KindTransport, "delete DNS record", derr)
				} else if derr != nil {
					p.log.Warn("DNS record already absent, treating as removed", "site", req.Name, "domain", domain)
				}
				if terr := p.tunnel.RemoveHostname(ctx, domain); ignoreNotFound(terr) != nil {
					return siteflowerr.Wrap(siteflowerr.KindTransport, "remove tunnel hostname", terr)
				} else if terr != nil {
					p.log.Warn("tunnel hostname already absent, treating as removed", "site", req.Name, "domain", domain)
				}
			}
		}
	}

	if merr := p.monitor.DeleteMonitor(ctx, req.Name); ignoreNotFound(merr) != nil {
		p.log.Warn("uptime monitor deletion failed", "site", req.Name, "error", merr)
	} else if merr != nil {
		p.log.Warn("uptime monitor already absent, treating as removed", "site", req.Name)
	}

	if req.RemoveFiles {
		if _, err := p.exec.Run(ctx, req.Name, "rm -rf "+remoteexec.Quote(sitePath), nil, 60*time.Second); err != nil {
			return siteflowerr.Wrap(siteflowerr.KindCommand, "remove site directory", err)
		}
	}
	return nil
}
