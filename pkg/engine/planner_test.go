package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seededDocument() *Document {
	doc := NewDocument()
	doc.Records["compute.network.core"] = &Record{
		Addr:     "compute.network.core",
		Provider: "mem",
		ID:       "net-1",
		Attrs:    Attrs{"cidr": "10.0.0.0/16", "name": "core", "id": "net-1"},
	}
	doc.Records["compute.subnet.private"] = &Record{
		Addr:         "compute.subnet.private",
		Provider:     "mem",
		ID:           "sub-1",
		Attrs:        Attrs{"network_id": "net-1", "cidr": "10.0.1.0/24", "id": "sub-1"},
		Dependencies: []string{"compute.network.core"},
	}
	doc.Records["container.cluster.main"] = &Record{
		Addr:         "container.cluster.main",
		Provider:     "mem",
		ID:           "cl-1",
		Attrs:        Attrs{"subnet_id": "sub-1", "version": "1.29", "id": "cl-1"},
		Dependencies: []string{"compute.subnet.private"},
	}
	return doc
}

func TestPlanCreateAll(t *testing.T) {
	registry := newFakeRegistry(newFakeProvider())
	graph := mustBuild(testNodes(), registry)
	planner := NewPlanner(registry)

	cs, err := planner.Plan(context.Background(), graph, NewDocument(), PlanOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if cs.Summary.Create != 4 {
		t.Errorf("Summary.Create = %d, want 4", cs.Summary.Create)
	}
	if !cs.HasChanges() {
		t.Error("HasChanges = false")
	}

	// A reference to a computed attribute of a to-be-created node is
	// unknown until apply.
	subnet := cs.ByAddr(Addr{Type: "compute.subnet", Name: "private"})
	if subnet == nil {
		t.Fatal("no change for subnet")
	}
	if subnet.Action != ActionCreate {
		t.Errorf("subnet action = %s", subnet.Action)
	}
	if _, ok := subnet.Desired["network_id"].(Unknown); !ok {
		t.Errorf("subnet network_id = %v (%T), want Unknown",
			subnet.Desired["network_id"], subnet.Desired["network_id"])
	}
}

func TestPlanIdempotent(t *testing.T) {
	registry := newFakeRegistry(newFakeProvider())
	graph := mustBuild(testNodes()[:3], registry)
	planner := NewPlanner(registry)

	doc := seededDocument()
	cs, err := planner.Plan(context.Background(), graph, doc, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if cs.HasChanges() {
		t.Errorf("plan against matching state has changes: %+v", cs.Summary)
	}
	if cs.Summary.Noop != 3 {
		t.Errorf("Summary.Noop = %d, want 3", cs.Summary.Noop)
	}
}

func TestPlanUpdateVsReplace(t *testing.T) {
	registry := newFakeRegistry(newFakeProvider())
	nodes := testNodes()[:3]
	nodes[0].Attrs["name"] = "renamed"   // updatable
	nodes[1].Attrs["cidr"] = "10.0.2.0/24" // forces replacement
	nodes[2].Attrs["version"] = "1.30"   // updatable
	graph := mustBuild(nodes, registry)
	planner := NewPlanner(registry)

	cs, err := planner.Plan(context.Background(), graph, seededDocument(), PlanOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	network := cs.ByAddr(Addr{Type: "compute.network", Name: "core"})
	if network.Action != ActionUpdate {
		t.Errorf("network action = %s, want update", network.Action)
	}

	subnet := cs.ByAddr(Addr{Type: "compute.subnet", Name: "private"})
	if subnet.Action != ActionReplace {
		t.Errorf("subnet action = %s, want replace", subnet.Action)
	}
	if d := subnet.Diff["cidr"]; !d.ForcesReplacement {
		t.Error("cidr diff not marked as forcing replacement")
	}

	// A forced replacement must never degrade to an in-place update.
	if subnet.Action == ActionUpdate {
		t.Error("forced replacement planned as update")
	}

	cluster := cs.ByAddr(Addr{Type: "container.cluster", Name: "main"})
	if cluster.Action != ActionUpdate {
		t.Errorf("cluster action = %s, want update", cluster.Action)
	}
}

func TestPlanUpdateCascadesThroughReference(t *testing.T) {
	// Renaming the network must reach the cluster that references the name
	// in the same change set; otherwise one apply leaves the cluster stale
	// and a second plan still reports changes.
	provider := newFakeProvider()
	registry := newFakeRegistry(provider)
	nodes := []ResourceNode{
		node("compute.network", "core", "mem", Attrs{
			"cidr": "10.0.0.0/16",
			"name": "renamed",
		}),
		node("container.cluster", "main", "mem", Attrs{
			"subnet_id": "${compute.network.core.name}",
			"version":   "1.29",
		}),
	}
	graph := mustBuild(nodes, registry)

	doc := NewDocument()
	doc.Records["compute.network.core"] = &Record{
		Addr:     "compute.network.core",
		Provider: "mem",
		ID:       "net-1",
		Attrs:    Attrs{"cidr": "10.0.0.0/16", "name": "core", "id": "net-1"},
	}
	doc.Records["container.cluster.main"] = &Record{
		Addr:         "container.cluster.main",
		Provider:     "mem",
		ID:           "cl-1",
		Attrs:        Attrs{"subnet_id": "core", "version": "1.29", "id": "cl-1"},
		Dependencies: []string{"compute.network.core"},
	}
	provider.objects["net-1"] = Attrs{"cidr": "10.0.0.0/16", "name": "core", "id": "net-1"}
	provider.objects["cl-1"] = Attrs{"subnet_id": "core", "version": "1.29", "id": "cl-1"}

	cs, err := NewPlanner(registry).Plan(context.Background(), graph, doc, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	cluster := cs.ByAddr(Addr{Type: "container.cluster", Name: "main"})
	if cluster.Action != ActionUpdate {
		t.Fatalf("cluster action = %s, want update", cluster.Action)
	}
	if d := cluster.Diff["subnet_id"]; d.Old != "core" || d.New != "renamed" {
		t.Errorf("subnet_id diff = %+v, want core -> renamed", d)
	}

	// A single apply converges: the next plan has nothing to do.
	store := &memStore{doc: doc}
	executor := NewExecutor(registry, store, nil, testExecConfig())
	run, err := executor.Apply(context.Background(), graph, cs, doc)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s: %+v", run.Status, run.Results)
	}
	replan, err := NewPlanner(registry).Plan(context.Background(), graph, doc, PlanOptions{})
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if replan.HasChanges() {
		t.Errorf("plan after apply has changes: %+v", replan.Summary)
	}
}

func TestPlanImmutableAttrForcesReplacement(t *testing.T) {
	// An attribute that is neither updatable nor computed cannot change in
	// place.
	registry := newFakeRegistry(newFakeProvider())
	nodes := testNodes()[:2]
	nodes[1].Attrs["zone"] = "eu-west-1a"
	graph := mustBuild(nodes, registry)

	doc := seededDocument()
	delete(doc.Records, "container.cluster.main")
	doc.Records["compute.subnet.private"].Attrs["zone"] = "eu-west-1b"

	cs, err := NewPlanner(registry).Plan(context.Background(), graph, doc, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	subnet := cs.ByAddr(Addr{Type: "compute.subnet", Name: "private"})
	if subnet.Action != ActionReplace {
		t.Errorf("subnet action = %s, want replace", subnet.Action)
	}
}

func TestPlanPreventDestroyBlocksReplace(t *testing.T) {
	registry := newFakeRegistry(newFakeProvider())
	nodes := testNodes()[:2]
	nodes[1].Attrs["cidr"] = "10.0.9.0/24"
	nodes[1].Lifecycle.PreventDestroy = true
	graph := mustBuild(nodes, registry)

	doc := seededDocument()
	delete(doc.Records, "container.cluster.main")

	_, err := NewPlanner(registry).Plan(context.Background(), graph, doc, PlanOptions{})
	var pdErr *PreventDestroyError
	if !errors.As(err, &pdErr) {
		t.Fatalf("Plan error = %v, want PreventDestroyError", err)
	}
	if pdErr.Addr != "compute.subnet.private" {
		t.Errorf("addr = %q", pdErr.Addr)
	}
}

func TestPlanRemovedOrdering(t *testing.T) {
	// Subnet and cluster leave configuration; the cluster depends on the
	// subnet so it must be destroyed first.
	registry := newFakeRegistry(newFakeProvider())
	graph := mustBuild(testNodes()[:1], registry)

	cs, err := NewPlanner(registry).Plan(context.Background(), graph, seededDocument(), PlanOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	var destroys []string
	for _, change := range cs.Changes {
		if change.Action == ActionDestroy {
			destroys = append(destroys, change.Addr.String())
		}
	}
	want := []string{"container.cluster.main", "compute.subnet.private"}
	if len(destroys) != len(want) {
		t.Fatalf("destroys = %v, want %v", destroys, want)
	}
	for i := range want {
		if destroys[i] != want[i] {
			t.Fatalf("destroys = %v, want %v", destroys, want)
		}
	}
	if change := cs.ByAddr(Addr{Type: "compute.subnet", Name: "private"}); change.Reason != ReasonRemoved {
		t.Errorf("reason = %s, want %s", change.Reason, ReasonRemoved)
	}
}

func TestPlanDestroyAll(t *testing.T) {
	registry := newFakeRegistry(newFakeProvider())
	graph := mustBuild(testNodes()[:3], registry)

	cs, err := NewPlanner(registry).Plan(context.Background(), graph, seededDocument(), PlanOptions{Destroy: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if cs.Summary.Destroy != 3 {
		t.Errorf("Summary.Destroy = %d, want 3", cs.Summary.Destroy)
	}
	pos := make(map[string]int)
	for i, change := range cs.Changes {
		pos[change.Addr.String()] = i
	}
	if pos["container.cluster.main"] > pos["compute.subnet.private"] {
		t.Error("cluster destroyed after subnet")
	}
	if pos["compute.subnet.private"] > pos["compute.network.core"] {
		t.Error("subnet destroyed after network")
	}
}

func TestPlanRefreshDetectsDrift(t *testing.T) {
	provider := newFakeProvider()
	registry := newFakeRegistry(provider)
	graph := mustBuild(testNodes()[:1], registry)

	// The remote object's name drifted from what state recorded.
	provider.objects["net-1"] = Attrs{"cidr": "10.0.0.0/16", "name": "mangled", "id": "net-1"}
	doc := NewDocument()
	doc.Records["compute.network.core"] = &Record{
		Addr:     "compute.network.core",
		Provider: "mem",
		ID:       "net-1",
		Attrs:    Attrs{"cidr": "10.0.0.0/16", "name": "core", "id": "net-1"},
	}

	cs, err := NewPlanner(registry).Plan(context.Background(), graph, doc, PlanOptions{Refresh: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	network := cs.ByAddr(Addr{Type: "compute.network", Name: "core"})
	if network.Action != ActionUpdate {
		t.Errorf("network action = %s, want update after drift", network.Action)
	}
	if d := network.Diff["name"]; d.Old != "mangled" || d.New != "core" {
		t.Errorf("name diff = %+v", d)
	}
}

func TestPlanRefreshVanishedResource(t *testing.T) {
	provider := newFakeProvider()
	registry := newFakeRegistry(provider)
	graph := mustBuild(testNodes()[:1], registry)

	// State records an object the provider no longer knows about.
	doc := NewDocument()
	doc.Records["compute.network.core"] = &Record{
		Addr:      "compute.network.core",
		Provider:  "mem",
		ID:        "net-gone",
		Attrs:     Attrs{"cidr": "10.0.0.0/16", "name": "core", "id": "net-gone"},
		UpdatedAt: time.Now(),
	}

	cs, err := NewPlanner(registry).Plan(context.Background(), graph, doc, PlanOptions{Refresh: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	network := cs.ByAddr(Addr{Type: "compute.network", Name: "core"})
	if network.Action != ActionCreate {
		t.Errorf("network action = %s, want create after remote deletion", network.Action)
	}
}
