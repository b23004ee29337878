// Package topology implements the Topology Builder (spec §4.4): a pure,
// deterministic projection from the discovered site list onto a node/edge
// graph, generalized from the teacher's container dependency graph in
// internal/deps/graph.go.
package topology

import (
	"sort"
	"strconv"

	"github.com/siteflow/siteflow/internal/discovery"
)

// NodeType enumerates the kinds of node the graph can contain.
type NodeType string

const (
	NodeTunnel    NodeType = "tunnel"
	NodeDomain    NodeType = "domain"
	NodeGateway   NodeType = "gateway"
	NodeContainer NodeType = "container"
	NodeSite      NodeType = "site"
	NodeNAS       NodeType = "nas"
)

// typeRank orders node types for deterministic output; lower sorts first.
var typeRank = map[NodeType]int{
	NodeTunnel:    0,
	NodeDomain:    1,
	NodeGateway:   2,
	NodeContainer: 3,
	NodeSite:      4,
	NodeNAS:       5,
}

// Metrics mirrors the spec's node metrics overlay.
type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
}

// BackupOverlay mirrors the spec's per-node backup summary overlay.
type BackupOverlay struct {
	Status   string `json:"status"`
	RPOSecs  *int64 `json:"rpo_seconds,omitempty"`
}

// Node is a single graph vertex.
type Node struct {
	ID      string            `json:"id"`
	Label   string            `json:"label"`
	Type    NodeType          `json:"type"`
	Status  string            `json:"status"`
	Meta    map[string]string `json:"meta,omitempty"`
	Metrics *Metrics          `json:"metrics,omitempty"`
	Backup  *BackupOverlay    `json:"backup,omitempty"`
}

// Edge is a single directed graph edge.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Graph is the full projection: nodes and edges, always returned sorted.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Options carries the optional infrastructure nodes and overlay data the
// builder attaches on top of the pure site projection.
type Options struct {
	TunnelID      string // non-empty to include a tunnel node
	GatewayID     string // gateway node id, default "gateway" if empty
	NASID         string // non-empty to include a nas node
	NodeMetrics   map[string]Metrics       // keyed by node id (container name)
	BackupByAsset map[string]BackupOverlay // keyed by site name
}

// Build projects sites into a deterministic graph (spec §4.4).
func Build(sites []discovery.Site, opts Options) Graph {
	gatewayID := opts.GatewayID
	if gatewayID == "" {
		gatewayID = "gateway"
	}

	var nodes []Node
	var edges []Edge
	edgeSeq := 0
	nextEdgeID := func() string {
		edgeSeq++
		return "e" + strconv.Itoa(edgeSeq)
	}

	domainSeen := map[string]bool{}

	nodes = append(nodes, Node{ID: gatewayID, Label: gatewayID, Type: NodeGateway, Status: "unknown"})

	if opts.TunnelID != "" {
		nodes = append(nodes, Node{ID: opts.TunnelID, Label: opts.TunnelID, Type: NodeTunnel, Status: "unknown"})
	}
	if opts.NASID != "" {
		nodes = append(nodes, Node{ID: opts.NASID, Label: opts.NASID, Type: NodeNAS, Status: "unknown"})
	}

	for _, site := range sites {
		siteNode := Node{ID: "site:" + site.Name, Label: site.Name, Type: NodeSite, Status: string(site.Status)}
		if overlay, ok := opts.BackupByAsset[site.Name]; ok {
			b := overlay
			siteNode.Backup = &b
		}
		nodes = append(nodes, siteNode)

		for _, c := range site.Containers {
			cid := "container:" + c.Name
			status := "stopped"
			if c.Up() {
				status = "running"
			}
			cnode := Node{ID: cid, Label: c.Name, Type: NodeContainer, Status: status}
			if m, ok := opts.NodeMetrics[c.Name]; ok {
				mm := m
				cnode.Metrics = &mm
			}
			nodes = append(nodes, cnode)
			edges = append(edges, Edge{ID: nextEdgeID(), Source: cid, Target: siteNode.ID})
		}

		for _, d := range site.Domains {
			if !domainSeen[d] {
				domainSeen[d] = true
				nodes = append(nodes, Node{ID: "domain:" + d, Label: d, Type: NodeDomain, Status: "unknown"})
				edges = append(edges, Edge{ID: nextEdgeID(), Source: "domain:" + d, Target: gatewayID})
				if opts.TunnelID != "" {
					edges = append(edges, Edge{ID: nextEdgeID(), Source: opts.TunnelID, Target: "domain:" + d})
				}
			}
		}

		for _, t := range site.Targets {
			edges = append(edges, Edge{ID: nextEdgeID(), Source: gatewayID, Target: "container:" + t.Container, Label: t.Domain})
		}
	}

	sort.Slice(nodes, func(i, j int) bool {
		ri, rj := typeRank[nodes[i].Type], typeRank[nodes[j].Type]
		if ri != rj {
			return ri < rj
		}
		return nodes[i].ID < nodes[j].ID
	})
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		if edges[i].Target != edges[j].Target {
			return edges[i].Target < edges[j].Target
		}
		return edges[i].Label < edges[j].Label
	})

	return Graph{Nodes: nodes, Edges: edges}
}
