package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/loamctl/loam/pkg/engine"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func changeSet(changes ...engine.Change) *engine.ChangeSet {
	cs := &engine.ChangeSet{ID: "cs-test", Changes: changes}
	for _, c := range changes {
		switch c.Action {
		case engine.ActionCreate:
			cs.Summary.Create++
		case engine.ActionUpdate:
			cs.Summary.Update++
		case engine.ActionReplace:
			cs.Summary.Replace++
		case engine.ActionDestroy:
			cs.Summary.Destroy++
		default:
			cs.Summary.Noop++
		}
	}
	return cs
}

func addr(typ, name string) engine.Addr {
	return engine.Addr{Type: typ, Name: name}
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	eng := testEngine(t)

	policies := eng.ListPolicies()
	want := []string{"address-naming", "mass-destroy", "protected-destroy", "replace-review"}
	if len(policies) != len(want) {
		t.Fatalf("policies = %d, want %d", len(policies), len(want))
	}
	for i, name := range want {
		if policies[i].Name != name {
			t.Errorf("policies[%d] = %s, want %s", i, policies[i].Name, name)
		}
		if !policies[i].Enabled {
			t.Errorf("%s disabled by default", name)
		}
	}
}

func TestEvaluateCleanCreate(t *testing.T) {
	eng := testEngine(t)

	cs := changeSet(engine.Change{
		Addr:     addr("compute.network", "core"),
		Action:   engine.ActionCreate,
		Provider: "mem",
		Desired:  engine.Attrs{"cidr": "10.0.0.0/16"},
	})
	result, err := eng.EvaluateChangeSet(context.Background(), "prod", "apply", cs)
	if err != nil {
		t.Fatalf("EvaluateChangeSet: %v", err)
	}
	if !result.Allowed {
		t.Errorf("clean create disallowed: %+v", result.Violations)
	}
	if len(result.Violations) != 0 {
		t.Errorf("violations = %+v, want none", result.Violations)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("evaluated = %v", result.EvaluatedPolicies)
	}
}

func TestEvaluateProtectedDestroy(t *testing.T) {
	eng := testEngine(t)

	cs := changeSet(engine.Change{
		Addr:      addr("container.cluster", "main"),
		Action:    engine.ActionDestroy,
		Provider:  "mem",
		Lifecycle: engine.Lifecycle{PreventDestroy: true},
	})
	result, err := eng.EvaluateChangeSet(context.Background(), "prod", "destroy", cs)
	if err != nil {
		t.Fatalf("EvaluateChangeSet: %v", err)
	}
	if result.Allowed {
		t.Error("protected destroy allowed")
	}

	blocking := result.Blocking()
	if len(blocking) != 1 {
		t.Fatalf("blocking = %+v", blocking)
	}
	if blocking[0].Policy != "protected-destroy" || blocking[0].Severity != SeverityCritical {
		t.Errorf("violation = %+v", blocking[0])
	}
	if blocking[0].Addr != "container.cluster.main" {
		t.Errorf("violation addr = %q", blocking[0].Addr)
	}
}

func TestEvaluateNaming(t *testing.T) {
	eng := testEngine(t)

	cs := changeSet(engine.Change{
		Addr:     addr("compute.network", "Core"),
		Action:   engine.ActionCreate,
		Provider: "mem",
	})
	result, err := eng.EvaluateChangeSet(context.Background(), "prod", "apply", cs)
	if err != nil {
		t.Fatalf("EvaluateChangeSet: %v", err)
	}
	if result.Allowed {
		t.Error("uppercase address allowed")
	}
	if len(result.Violations) != 1 || result.Violations[0].Policy != "address-naming" {
		t.Errorf("violations = %+v", result.Violations)
	}
}

func TestEvaluateMassDestroyWarns(t *testing.T) {
	eng := testEngine(t)

	var changes []engine.Change
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		changes = append(changes, engine.Change{
			Addr:     addr("compute.network", name),
			Action:   engine.ActionDestroy,
			Provider: "mem",
		})
	}
	result, err := eng.EvaluateChangeSet(context.Background(), "prod", "destroy", changeSet(changes...))
	if err != nil {
		t.Fatalf("EvaluateChangeSet: %v", err)
	}
	if !result.Allowed {
		t.Error("warnings should not block")
	}
	if len(result.Violations) != 6 {
		t.Fatalf("violations = %d, want one per destroyed resource", len(result.Violations))
	}
	for _, v := range result.Violations {
		if v.Policy != "mass-destroy" || v.Severity != SeverityWarning {
			t.Errorf("violation = %+v", v)
		}
	}
}

func TestEvaluateReplaceReview(t *testing.T) {
	eng := testEngine(t)

	cs := changeSet(engine.Change{
		Addr:     addr("compute.subnet", "private"),
		Action:   engine.ActionReplace,
		Provider: "mem",
		Diff: map[string]engine.AttrDiff{
			"cidr": {Old: "10.0.1.0/24", New: "10.0.2.0/24", ForcesReplacement: true},
			"zone": {Old: "a", New: "b"},
		},
	})
	result, err := eng.EvaluateChangeSet(context.Background(), "prod", "apply", cs)
	if err != nil {
		t.Fatalf("EvaluateChangeSet: %v", err)
	}
	if !result.Allowed {
		t.Errorf("replace review should not block: %+v", result.Violations)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("violations = %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Policy != "replace-review" || v.Severity != SeverityInfo {
		t.Errorf("violation = %+v", v)
	}
}

func TestEvaluateNoopSkipped(t *testing.T) {
	eng := testEngine(t)

	cs := changeSet(engine.Change{
		Addr:     addr("compute.network", "Core"),
		Action:   engine.ActionNoop,
		Provider: "mem",
	})
	result, err := eng.EvaluateChangeSet(context.Background(), "prod", "plan", cs)
	if err != nil {
		t.Fatalf("EvaluateChangeSet: %v", err)
	}
	if !result.Allowed || len(result.Violations) != 0 {
		t.Errorf("noop evaluated: %+v", result.Violations)
	}
}

func TestLoadCustomPolicy(t *testing.T) {
	eng := testEngine(t)

	path := filepath.Join(t.TempDir(), "network-cidr.rego")
	src := `# severity: error
# Networks must declare a cidr block.
package custom.netcidr

import rego.v1

deny contains msg if {
	input.change.action == "create"
	startswith(input.change.addr, "compute.network.")
	not input.change.desired.cidr
	msg := sprintf("%s must set cidr", [input.change.addr])
}
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{path}); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}

	p, err := eng.GetPolicy("network-cidr")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("severity = %q, want directive applied", p.Severity)
	}
	if p.Description != "Networks must declare a cidr block." {
		t.Errorf("description = %q", p.Description)
	}

	cs := changeSet(engine.Change{
		Addr:     addr("compute.network", "core"),
		Action:   engine.ActionCreate,
		Provider: "mem",
		Desired:  engine.Attrs{"name": "core"},
	})
	result, err := eng.EvaluateChangeSet(context.Background(), "prod", "apply", cs)
	if err != nil {
		t.Fatalf("EvaluateChangeSet: %v", err)
	}
	if result.Allowed {
		t.Error("missing cidr allowed")
	}
	var found bool
	for _, v := range result.Violations {
		if v.Policy == "network-cidr" && v.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("custom violation missing: %+v", result.Violations)
	}
}

func TestSetEnabled(t *testing.T) {
	eng := testEngine(t)

	if err := eng.SetEnabled("address-naming", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	cs := changeSet(engine.Change{
		Addr:     addr("compute.network", "Core"),
		Action:   engine.ActionCreate,
		Provider: "mem",
	})
	result, err := eng.EvaluateChangeSet(context.Background(), "prod", "apply", cs)
	if err != nil {
		t.Fatalf("EvaluateChangeSet: %v", err)
	}
	if !result.Allowed {
		t.Errorf("disabled policy still fired: %+v", result.Violations)
	}

	if err := eng.SetEnabled("no-such-policy", true); err == nil {
		t.Error("SetEnabled unknown policy succeeded")
	}
}
