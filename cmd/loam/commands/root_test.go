package commands

import (
	"testing"
)

func TestParseVars(t *testing.T) {
	flags := &globalFlags{vars: []string{"env=prod", "region=eu-west-1", "empty="}}
	vars, err := flags.parseVars()
	if err != nil {
		t.Fatalf("parseVars: %v", err)
	}
	if vars["env"] != "prod" || vars["region"] != "eu-west-1" || vars["empty"] != "" {
		t.Errorf("vars = %v", vars)
	}

	for _, bad := range []string{"novalue", "=prod"} {
		flags := &globalFlags{vars: []string{bad}}
		if _, err := flags.parseVars(); err == nil {
			t.Errorf("parseVars(%q) succeeded", bad)
		}
	}
}

func TestParseVarsEmpty(t *testing.T) {
	vars, err := (&globalFlags{}).parseVars()
	if err != nil || vars != nil {
		t.Errorf("parseVars() = %v, %v", vars, err)
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand("1.0.0", "abc", "today")
	for _, name := range []string{"validate", "plan", "apply", "destroy", "graph", "state", "providers"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %s not wired: %v", name, err)
		}
	}
}
