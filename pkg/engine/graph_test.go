package engine

import (
	"errors"
	"strings"
	"testing"
)

func testNodes() []ResourceNode {
	return []ResourceNode{
		node("compute.network", "core", "mem", Attrs{
			"cidr": "10.0.0.0/16",
			"name": "core",
		}),
		node("compute.subnet", "private", "mem", Attrs{
			"network_id": "${compute.network.core.id}",
			"cidr":       "10.0.1.0/24",
		}),
		node("container.cluster", "main", "mem", Attrs{
			"subnet_id": "${compute.subnet.private.id}",
			"version":   "1.29",
		}),
		node("compute.network", "standalone", "mem", Attrs{
			"cidr": "172.16.0.0/16",
			"name": "standalone",
		}),
	}
}

func TestBuildLevels(t *testing.T) {
	registry := newFakeRegistry(newFakeProvider())
	graph, err := NewGraphBuilder(registry).Build(testNodes())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("Depth = %d, want 3", graph.Depth)
	}
	wantLevels := map[string]int{
		"compute.network.core":       0,
		"compute.network.standalone": 0,
		"compute.subnet.private":     1,
		"container.cluster.main":     2,
	}
	for key, level := range wantLevels {
		gn, ok := graph.Nodes[key]
		if !ok {
			t.Fatalf("node %s missing", key)
		}
		if gn.Level != level {
			t.Errorf("%s level = %d, want %d", key, gn.Level, level)
		}
	}

	if len(graph.Roots) != 2 {
		t.Errorf("Roots = %v, want 2 entries", graph.Roots)
	}
	if len(graph.Edges) != 2 {
		t.Errorf("Edges = %v, want 2 entries", graph.Edges)
	}

	order := graph.TopoOrder()
	pos := make(map[string]int, len(order))
	for i, key := range order {
		pos[key] = i
	}
	if pos["compute.network.core"] > pos["compute.subnet.private"] {
		t.Error("network ordered after subnet")
	}
	if pos["compute.subnet.private"] > pos["container.cluster.main"] {
		t.Error("subnet ordered after cluster")
	}
}

func TestBuildExplicitDependsOn(t *testing.T) {
	nodes := []ResourceNode{
		node("compute.network", "a", "mem", Attrs{"cidr": "10.0.0.0/16"}),
		{
			Addr:      Addr{Type: "compute.network", Name: "b"},
			Provider:  "mem",
			Attrs:     Attrs{"cidr": "10.1.0.0/16"},
			DependsOn: []Addr{{Type: "compute.network", Name: "a"}},
		},
	}
	graph, err := NewGraphBuilder(nil).Build(nodes)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := graph.Nodes["compute.network.b"].Level; got != 1 {
		t.Errorf("b level = %d, want 1", got)
	}
}

func TestBuildCycleDetection(t *testing.T) {
	nodes := []ResourceNode{
		node("compute.network", "a", "mem", Attrs{
			"cidr": "10.0.0.0/16",
			"name": "${compute.network.b.name}",
		}),
		node("compute.network", "b", "mem", Attrs{
			"cidr": "10.1.0.0/16",
			"name": "${compute.network.a.name}",
		}),
	}
	_, err := NewGraphBuilder(nil).Build(nodes)
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("Build error = %v, want CycleError", err)
	}
	if len(cycleErr.Path) < 3 {
		t.Errorf("cycle path = %v, want at least 3 entries", cycleErr.Path)
	}
	if cycleErr.Path[0] != cycleErr.Path[len(cycleErr.Path)-1] {
		t.Errorf("cycle path does not close: %v", cycleErr.Path)
	}
}

func TestBuildUnresolvedReference(t *testing.T) {
	nodes := []ResourceNode{
		node("compute.subnet", "orphan", "mem", Attrs{
			"network_id": "${compute.network.missing.id}",
			"cidr":       "10.0.1.0/24",
		}),
	}
	_, err := NewGraphBuilder(nil).Build(nodes)
	var refErr *UnresolvedReferenceError
	if !errors.As(err, &refErr) {
		t.Fatalf("Build error = %v, want UnresolvedReferenceError", err)
	}
	if refErr.Referrer != "compute.subnet.orphan" {
		t.Errorf("referrer = %q", refErr.Referrer)
	}
}

func TestBuildUnknownAttribute(t *testing.T) {
	// Referencing an attribute that is neither configured nor declared in
	// the provider schema fails at build time.
	registry := newFakeRegistry(newFakeProvider())
	nodes := []ResourceNode{
		node("compute.network", "core", "mem", Attrs{"cidr": "10.0.0.0/16"}),
		node("compute.subnet", "private", "mem", Attrs{
			"network_id": "${compute.network.core.nonexistent}",
			"cidr":       "10.0.1.0/24",
		}),
	}
	_, err := NewGraphBuilder(registry).Build(nodes)
	var refErr *UnresolvedReferenceError
	if !errors.As(err, &refErr) {
		t.Fatalf("Build error = %v, want UnresolvedReferenceError", err)
	}
}

func TestBuildDuplicateAddress(t *testing.T) {
	nodes := []ResourceNode{
		node("compute.network", "core", "mem", Attrs{"cidr": "10.0.0.0/16"}),
		node("compute.network", "core", "mem", Attrs{"cidr": "10.1.0.0/16"}),
	}
	if _, err := NewGraphBuilder(nil).Build(nodes); err == nil {
		t.Fatal("Build with duplicate address succeeded, want error")
	}
}

func TestToDOT(t *testing.T) {
	registry := newFakeRegistry(newFakeProvider())
	graph := mustBuild(testNodes(), registry)
	dot := graph.ToDOT(nil)

	if !strings.Contains(dot, "digraph resources") {
		t.Error("missing digraph header")
	}
	if !strings.Contains(dot, `"compute.network.core" -> "compute.subnet.private"`) {
		t.Errorf("missing edge in DOT output:\n%s", dot)
	}
	if !strings.Contains(dot, "cluster_level_2") {
		t.Error("missing level cluster")
	}
}
