package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/siteflow/siteflow/internal/remoteexec"
)

// Executor is the narrow slice of remoteexec.Pool the Discovery Pipeline
// needs: one shell round-trip per site-root query.
type Executor interface {
	Run(ctx context.Context, target, cmd string, stdin []byte, timeout time.Duration) (remoteexec.Result, error)
	ReadFile(ctx context.Context, target, path string, timeout time.Duration) ([]byte, error)
}

const inspectTimeout = 30 * time.Second

// ListLiveContainers queries the container engine once for every container
// on the host (spec §4.2 step 3), via `docker inspect` over the executor
// rather than a direct Engine API connection (see DESIGN.md).
func ListLiveContainers(ctx context.Context, exec Executor, target string) ([]Container, error) {
	idsRes, err := exec.Run(ctx, target, "docker ps -aq", nil, inspectTimeout)
	if err != nil {
		return nil, fmt.Errorf("list container ids: %w", err)
	}
	ids := strings.Fields(string(idsRes.Stdout))
	if len(ids) == 0 {
		return nil, nil
	}

	cmd := "docker inspect " + remoteexec.QuoteAll(ids...)
	res, err := exec.Run(ctx, target, cmd, nil, inspectTimeout)
	if err != nil {
		return nil, fmt.Errorf("inspect containers: %w", err)
	}

	var raw []container.InspectResponse
	if err := json.Unmarshal(res.Stdout, &raw); err != nil {
		return nil, fmt.Errorf("parse docker inspect output: %w", err)
	}

	containers := make([]Container, 0, len(raw))
	for _, r := range raw {
		containers = append(containers, containerFromInspect(r))
	}
	return containers, nil
}

func containerFromInspect(r container.InspectResponse) Container {
	c := Container{Name: strings.TrimPrefix(r.Name, "/")}
	if r.Config != nil {
		c.Image = r.Config.Image
	}
	if r.State != nil {
		c.State = r.State.Status
		c.StatusText = statusText(r.State.Status, r.State.Running, r.State.StartedAt)
	}
	if r.NetworkSettings != nil {
		for port := range r.NetworkSettings.Ports {
			c.Ports = append(c.Ports, fmt.Sprint(port))
		}
		sort.Strings(c.Ports)
	}
	return c
}

// statusText renders a `docker ps`-style status string ("Up 3 hours",
// "Exited") so Container.Up() can apply the same "begins with Up" rule the
// spec's status invariant relies on.
func statusText(status string, running bool, startedAt string) string {
	if !running {
		return "Exited"
	}
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return "Up"
	}
	return "Up " + formatDuration(time.Since(t))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}
