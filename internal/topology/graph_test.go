package topology

import (
	"testing"

	"github.com/siteflow/siteflow/internal/discovery"
)

func sampleSites() []discovery.Site {
	return []discovery.Site{
		{
			Name:   "blog",
			Status: discovery.StatusRunning,
			Containers: []discovery.Container{
				{Name: "blog-web-1", StatusText: "Up 3 hours"},
			},
			Domains: []string{"blog.example.com"},
			Targets: []discovery.Route{
				{Domain: "blog.example.com", Container: "blog-web-1", Port: "80"},
			},
		},
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	g1 := Build(sampleSites(), Options{TunnelID: "tun1", NASID: "nas1"})
	g2 := Build(sampleSites(), Options{TunnelID: "tun1", NASID: "nas1"})

	if len(g1.Nodes) != len(g2.Nodes) || len(g1.Edges) != len(g2.Edges) {
		t.Fatalf("non-deterministic node/edge counts")
	}
	for i := range g1.Nodes {
		if g1.Nodes[i].ID != g2.Nodes[i].ID {
			t.Fatalf("node order mismatch at %d: %s vs %s", i, g1.Nodes[i].ID, g2.Nodes[i].ID)
		}
	}
}

func TestBuildNodeTypesAndEdges(t *testing.T) {
	g := Build(sampleSites(), Options{TunnelID: "tun1"})

	wantTypes := map[NodeType]bool{
		NodeTunnel: false, NodeDomain: false, NodeGateway: false,
		NodeContainer: false, NodeSite: false,
	}
	for _, n := range g.Nodes {
		if _, ok := wantTypes[n.Type]; ok {
			wantTypes[n.Type] = true
		}
	}
	for typ, seen := range wantTypes {
		if !seen {
			t.Errorf("expected a node of type %s", typ)
		}
	}

	var foundGatewayToContainer bool
	for _, e := range g.Edges {
		if e.Source == "gateway" && e.Target == "container:blog-web-1" {
			foundGatewayToContainer = true
		}
	}
	if !foundGatewayToContainer {
		t.Fatalf("expected gateway->container edge, got %+v", g.Edges)
	}
}

func TestBuildSortsNodesByTypeRankThenID(t *testing.T) {
	g := Build(sampleSites(), Options{TunnelID: "tun1", NASID: "nas1"})
	for i := 1; i < len(g.Nodes); i++ {
		prev, cur := g.Nodes[i-1], g.Nodes[i]
		if typeRank[prev.Type] > typeRank[cur.Type] {
			t.Fatalf("nodes not sorted by type rank: %+v before %+v", prev, cur)
		}
	}
}
