package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/metrics"
	"github.com/siteflow/siteflow/internal/remoteexec"
	"github.com/siteflow/siteflow/internal/routes"
)

const (
	listTimeout = 15 * time.Second
	readTimeout = 15 * time.Second
	composeFile = "docker-compose.yml"
)

// Config configures where the Discovery Pipeline looks on the remote host.
type Config struct {
	SitesRoot     string
	GatewayRoot   string // denylisted directory name under SitesRoot
	DashboardDir  string // denylisted directory name under SitesRoot
	ProxyConfPath string
	Target        string // logical target name for remoteexec serialization
}

// Pipeline implements the Discovery Pipeline (spec §4.2).
type Pipeline struct {
	exec Executor
	cfg  Config
	log  *logging.Logger
}

// New builds a Pipeline.
func New(exec Executor, cfg Config, log *logging.Logger) *Pipeline {
	return &Pipeline{exec: exec, cfg: cfg, log: log.Component("discovery")}
}

// Discover runs the full pipeline: enumerate, parse, correlate, join, and
// assemble (spec §4.2 steps 1-5). It isolates per-site parse failures: a
// broken site surfaces status=unknown with meta.error rather than aborting
// the whole run.
func (p *Pipeline) Discover(ctx context.Context) ([]Site, error) {
	start := time.Now()
	defer func() { metrics.DiscoveryDuration.Observe(time.Since(start).Seconds()) }()

	dirs, err := p.listSiteDirs(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate site directories: %w", err)
	}

	containers, err := ListLiveContainers(ctx, p.exec, p.cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("list live containers: %w", err)
	}

	allRoutes, err := p.readRoutes(ctx)
	if err != nil {
		// A broken proxy config degrades routing info but shouldn't abort
		// discovery of sites themselves.
		p.log.Warn("failed to read proxy config", "path", p.cfg.ProxyConfPath, "error", err)
		allRoutes = nil
	}

	byContainerName := make(map[string]Container, len(containers))
	for _, c := range containers {
		byContainerName[c.Name] = c
	}

	sites := make([]Site, 0, len(dirs))
	for _, dir := range dirs {
		sites = append(sites, p.buildSite(ctx, dir, byContainerName, allRoutes))
	}

	sort.Slice(sites, func(i, j int) bool { return sites[i].Name < sites[j].Name })
	metrics.SitesTotal.Set(float64(len(sites)))
	return sites, nil
}

func (p *Pipeline) buildSite(ctx context.Context, name string, live map[string]Container, allRoutes []routes.Route) Site {
	sitePath := p.cfg.SitesRoot + "/" + name
	composePath := sitePath + "/" + composeFile

	data, err := p.exec.ReadFile(ctx, p.cfg.Target, composePath, readTimeout)
	if err != nil {
		return Site{
			Name: name, Path: sitePath, ComposeFile: composePath,
			Status: StatusUnknown,
			Meta:   map[string]string{"error": fmt.Sprintf("read compose file: %v", err)},
		}
	}

	services, err := ParseCompose(data)
	if err != nil {
		return Site{
			Name: name, Path: sitePath, ComposeFile: composePath,
			Status: StatusUnknown,
			Meta:   map[string]string{"error": fmt.Sprintf("parse compose file: %v", err)},
		}
	}

	var containers []Container
	containerNames := make(map[string]bool, len(services))
	for _, svc := range services {
		resolved := ResolvedContainerName(name, svc)
		containerNames[resolved] = true
		if c, ok := live[resolved]; ok {
			containers = append(containers, c)
		}
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].Name < containers[j].Name })

	var targets []Route
	domainSet := map[string]bool{}
	for _, r := range allRoutes {
		if containerNames[r.Container] {
			targets = append(targets, Route{Domain: r.Domain, Container: r.Container, Port: r.Port})
			domainSet[r.Domain] = true
		}
	}
	domains := make([]string, 0, len(domainSet))
	for d := range domainSet {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	sort.Slice(targets, func(i, j int) bool { return targets[i].Domain < targets[j].Domain })

	return Site{
		Name:        name,
		Path:        sitePath,
		ComposeFile: composePath,
		Services:    services,
		Containers:  containers,
		Domains:     domains,
		Targets:     targets,
		Status:      DeriveStatus(containers),
	}
}

func (p *Pipeline) listSiteDirs(ctx context.Context) ([]string, error) {
	res, err := p.exec.Run(ctx, p.cfg.Target, "ls -1 "+remoteexec.Quote(p.cfg.SitesRoot), nil, listTimeout)
	if err != nil {
		return nil, err
	}
	deny := map[string]bool{p.cfg.GatewayRoot: true, p.cfg.DashboardDir: true}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(string(res.Stdout)), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || deny[name] {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Pipeline) readRoutes(ctx context.Context) ([]routes.Route, error) {
	data, err := p.exec.ReadFile(ctx, p.cfg.Target, p.cfg.ProxyConfPath, readTimeout)
	if err != nil {
		return nil, err
	}
	return routes.Parse(data)
}
