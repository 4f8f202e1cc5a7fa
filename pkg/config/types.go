package config

import (
	"time"

	"github.com/loamctl/loam/pkg/engine"
)

// Config is the fully evaluated configuration: workspace settings,
// variables, and the declared resource nodes ready for graph building.
type Config struct {
	// Workspace holds workspace-level settings.
	Workspace Workspace

	// Variables are the evaluated variable values.
	Variables map[string]any

	// Resources are the declared nodes, including module and generator
	// output.
	Resources []engine.ResourceNode

	// SourceFiles lists the files the configuration was loaded from.
	SourceFiles []string

	// LoadedAt is when the configuration was evaluated.
	LoadedAt time.Time
}

// Workspace configures the run environment.
type Workspace struct {
	// Name identifies the workspace.
	Name string `json:"name" validate:"required"`

	// State selects and configures the state backend.
	State StateConfig `json:"state"`

	// Parallelism bounds concurrent provider calls; 0 means the default.
	Parallelism int `json:"parallelism" validate:"gte=0,lte=256"`

	// DestroyScope selects which records count as referrers when a destroy
	// target is checked: "state" (default) scans the whole document,
	// "graph" only the current run's nodes.
	DestroyScope string `json:"destroy_scope" validate:"omitempty,oneof=state graph"`

	// Providers maps provider names to their manifest paths for WASM
	// providers. The built-in memory provider needs no entry.
	Providers map[string]ProviderRef `json:"providers"`
}

// StateConfig selects the state backend.
type StateConfig struct {
	// Backend is one of file, sqlite, sftp. Defaults to file.
	Backend string `json:"backend" validate:"omitempty,oneof=file sqlite sftp"`

	// Path is the state file or database path; for sftp, the remote path.
	Path string `json:"path"`

	// Host, Port, User, and PrivateKeyPath configure the sftp backend.
	Host           string `json:"host"`
	Port           int    `json:"port" validate:"gte=0,lte=65535"`
	User           string `json:"user"`
	PrivateKeyPath string `json:"private_key_path"`
}

// ProviderRef points at a provider manifest.
type ProviderRef struct {
	// Manifest is the provider manifest path.
	Manifest string `json:"manifest" validate:"required"`

	// Type selects the adapter: wasm runs the manifest's module, memory
	// serves the manifest's schemas from process memory. Defaults to
	// wasm.
	Type string `json:"type" validate:"omitempty,oneof=wasm memory"`
}

// resourceDecl is the CUE shape of one declared resource.
type resourceDecl struct {
	Provider  string         `json:"provider" validate:"required"`
	Attrs     map[string]any `json:"attrs"`
	DependsOn []string       `json:"depends_on"`
	Lifecycle lifecycleDecl  `json:"lifecycle"`
}

// lifecycleDecl is the CUE shape of lifecycle flags.
type lifecycleDecl struct {
	CreateBeforeDestroy bool `json:"create_before_destroy"`
	PreventDestroy      bool `json:"prevent_destroy"`
}

// generatorDecl is the CUE shape of a Starlark resource generator.
type generatorDecl struct {
	Script string         `json:"script" validate:"required"`
	Input  map[string]any `json:"input"`
}
