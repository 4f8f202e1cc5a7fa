package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const baseConfig = `
workspace: {
	name: "prod"
	parallelism: 8
	state: {
		backend: "file"
		path:    "loam.state.json"
	}
}

variables: {
	env:          string | *"staging"
	subnet_count: int | *2
}

resources: {
	"compute.network.core": {
		provider: "mem"
		attrs: {
			cidr: "10.0.0.0/16"
			name: "core-\(variables.env)"
		}
	}
	"container.cluster.main": {
		provider: "mem"
		attrs: {
			subnet_id: "${compute.subnet.private.id}"
			version:   "1.29"
		}
		depends_on: ["compute.network.core"]
		lifecycle: prevent_destroy: true
	}
}

modules: {
	net: {
		resources: {
			"compute.subnet.private": {
				provider: "mem"
				attrs: {
					network_id: "${compute.network.core.id}"
					cidr:       "10.0.1.0/24"
				}
			}
		}
	}
}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.cue")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load(context.Background(), []string{writeConfig(t, baseConfig)}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Workspace.Name != "prod" || cfg.Workspace.Parallelism != 8 {
		t.Errorf("workspace = %+v", cfg.Workspace)
	}
	if cfg.Workspace.State.Backend != "file" {
		t.Errorf("state backend = %q", cfg.Workspace.State.Backend)
	}
	if cfg.Variables["env"] != "staging" {
		t.Errorf("env = %v, want default", cfg.Variables["env"])
	}

	if len(cfg.Resources) != 3 {
		t.Fatalf("resources = %d, want 3", len(cfg.Resources))
	}

	byAddr := make(map[string]int)
	for i, node := range cfg.Resources {
		byAddr[node.Addr.String()] = i
	}

	network := cfg.Resources[byAddr["compute.network.core"]]
	if network.Attrs["name"] != "core-staging" {
		t.Errorf("network name = %v, want CUE interpolation applied", network.Attrs["name"])
	}

	cluster := cfg.Resources[byAddr["container.cluster.main"]]
	if !cluster.Lifecycle.PreventDestroy {
		t.Error("cluster prevent_destroy lost")
	}
	if len(cluster.DependsOn) != 1 || cluster.DependsOn[0].String() != "compute.network.core" {
		t.Errorf("cluster depends_on = %v", cluster.DependsOn)
	}

	// Module resources are namespaced under the module.
	if _, ok := byAddr["module.net.compute.subnet.private"]; !ok {
		t.Errorf("module resource missing, have %v", byAddr)
	}
}

func TestLoadVariableOverride(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load(context.Background(), []string{writeConfig(t, baseConfig)},
		map[string]any{"env": "prod"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Variables["env"] != "prod" {
		t.Errorf("env = %v", cfg.Variables["env"])
	}

	for _, node := range cfg.Resources {
		if node.Addr.String() == "compute.network.core" && node.Attrs["name"] != "core-prod" {
			t.Errorf("network name = %v", node.Attrs["name"])
		}
	}
}

func TestLoadGenerator(t *testing.T) {
	content := `
variables: count: int | *2

generators: subnets: {
	script: """
		resources = {
			"compute.subnet.gen-%d" % i: {
				"provider": "mem",
				"attrs": {
					"cidr":       "10.0.%d.0/24" % i,
					"network_id": "${compute.network.core.id}",
				},
			}
			for i in range(variables["count"])
		}
		"""
	input: {}
}

resources: "compute.network.core": {
	provider: "mem"
	attrs: cidr: "10.0.0.0/16"
}
`
	loader := NewLoader()
	cfg, err := loader.Load(context.Background(), []string{writeConfig(t, content)}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Resources) != 3 {
		t.Fatalf("resources = %d, want network plus 2 generated", len(cfg.Resources))
	}
	var found int
	for _, node := range cfg.Resources {
		if node.Addr.Type == "compute.subnet" {
			found++
			if node.Provider != "mem" {
				t.Errorf("generated provider = %q", node.Provider)
			}
		}
	}
	if found != 2 {
		t.Errorf("generated subnets = %d, want 2", found)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing provider": `resources: "compute.network.core": attrs: cidr: "10.0.0.0/16"`,
		"bad address":      `resources: "network": {provider: "mem", attrs: {}}`,
		"bad backend":      `workspace: {name: "x", state: backend: "s3"}`,
		"bad parallelism":  `workspace: {name: "x", parallelism: 100000}`,
	}
	loader := NewLoader()
	for name, content := range cases {
		if _, err := loader.Load(context.Background(), []string{writeConfig(t, content)}, nil); err == nil {
			t.Errorf("%s: Load succeeded, want error", name)
		}
	}
}

func TestLoadNoSources(t *testing.T) {
	if _, err := NewLoader().Load(context.Background(), nil, nil); err == nil {
		t.Error("Load with no sources succeeded")
	}
}
