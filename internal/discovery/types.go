// Package discovery implements the Discovery Pipeline (spec §4.2): it
// enumerates site directories on the managed host, parses compose files,
// correlates them against live containers, joins reverse-proxy routes, and
// assembles canonical Site records.
package discovery

// Status is a Site's derived operational status (spec §3 invariant i).
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusDegraded Status = "degraded"
	StatusUnknown  Status = "unknown"
)

// Service is a service declared in a site's compose file.
type Service struct {
	Name          string            `json:"name"`
	ContainerName string            `json:"container_name,omitempty"`
	Image         string            `json:"image,omitempty"`
	Ports         []string          `json:"ports,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
}

// Container is a live container correlated to a site.
type Container struct {
	Name       string   `json:"name"`
	StatusText string   `json:"status_text"`
	State      string   `json:"state,omitempty"`
	Image      string   `json:"image,omitempty"`
	Ports      []string `json:"ports,omitempty"`
}

// Up reports whether the container's status text begins with "Up", per the
// status-derivation invariant (spec §3 invariant i).
func (c Container) Up() bool {
	return len(c.StatusText) >= 2 && c.StatusText[:2] == "Up"
}

// Route is a reverse-proxy domain mapping.
type Route struct {
	Domain    string `json:"domain"`
	Container string `json:"container,omitempty"`
	Port      string `json:"port,omitempty"`
}

// Site is the assembled record for one managed website.
type Site struct {
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	ComposeFile string            `json:"compose_file"`
	Services    []Service         `json:"services"`
	Containers  []Container       `json:"containers"`
	Domains     []string          `json:"domains"`
	Targets     []Route           `json:"targets"`
	Status      Status            `json:"status"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// DeriveStatus implements spec §3 invariant (i): all "Up" containers ⇒
// running; none ⇒ stopped; mixed ⇒ degraded; empty list ⇒ unknown.
func DeriveStatus(containers []Container) Status {
	if len(containers) == 0 {
		return StatusUnknown
	}
	upCount := 0
	for _, c := range containers {
		if c.Up() {
			upCount++
		}
	}
	switch {
	case upCount == len(containers):
		return StatusRunning
	case upCount == 0:
		return StatusStopped
	default:
		return StatusDegraded
	}
}
