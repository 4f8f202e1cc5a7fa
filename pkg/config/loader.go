// Package config evaluates CUE configuration into resource nodes. CUE
// handles constraints, defaults, and composition; Starlark generators
// cover the procedural cases CUE cannot express; struct validation runs
// over the decoded workspace before anything reaches the engine.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/loamctl/loam/pkg/engine"
)

// Loader parses and evaluates configuration sources.
type Loader struct {
	ctx       *cue.Context
	validator *validator.Validate
	starlark  *StarlarkEvaluator
}

// NewLoader creates a loader with default settings.
func NewLoader() *Loader {
	return &Loader{
		ctx:       cuecontext.New(),
		validator: validator.New(),
		starlark:  NewStarlarkEvaluator(30 * time.Second),
	}
}

// Load evaluates the given CUE files or directories into a Config.
// vars overrides entries under the configuration's variables struct
// before extraction.
func (l *Loader) Load(ctx context.Context, sources []string, vars map[string]any) (*Config, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no configuration sources provided")
	}

	value, files, err := l.loadSources(sources)
	if err != nil {
		return nil, err
	}

	if len(vars) > 0 {
		value = value.FillPath(cue.ParsePath("variables"), vars)
	}
	if err := value.Validate(cue.Concrete(false)); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}

	cfg := &Config{
		SourceFiles: files,
		LoadedAt:    time.Now(),
	}

	if err := l.extractWorkspace(value, cfg); err != nil {
		return nil, err
	}
	if err := l.extractVariables(value, cfg); err != nil {
		return nil, err
	}
	if err := l.extractResources(value, cfg); err != nil {
		return nil, err
	}
	if err := l.extractModules(value, cfg); err != nil {
		return nil, err
	}
	if err := l.runGenerators(ctx, value, cfg); err != nil {
		return nil, err
	}

	sort.Slice(cfg.Resources, func(i, j int) bool {
		return cfg.Resources[i].Addr.String() < cfg.Resources[j].Addr.String()
	})
	return cfg, nil
}

func (l *Loader) loadSources(sources []string) (cue.Value, []string, error) {
	var unified cue.Value
	var files []string

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return cue.Value{}, nil, fmt.Errorf("stat source %s: %w", source, err)
		}

		var val cue.Value
		if info.IsDir() {
			instances := load.Instances([]string{source}, nil)
			if len(instances) == 0 {
				return cue.Value{}, nil, fmt.Errorf("no CUE files in %s", source)
			}
			inst := instances[0]
			if inst.Err != nil {
				return cue.Value{}, nil, fmt.Errorf("load %s: %w", source, inst.Err)
			}
			val = l.ctx.BuildInstance(inst)
			for _, f := range inst.Files {
				if f.Filename != "" {
					files = append(files, f.Filename)
				}
			}
		} else {
			content, err := os.ReadFile(source)
			if err != nil {
				return cue.Value{}, nil, fmt.Errorf("read %s: %w", source, err)
			}
			val = l.ctx.CompileString(string(content), cue.Filename(source))
			files = append(files, source)
		}
		if err := val.Err(); err != nil {
			return cue.Value{}, nil, fmt.Errorf("parse %s: %w", source, err)
		}

		if unified.Exists() {
			unified = unified.Unify(val)
		} else {
			unified = val
		}
	}

	if err := unified.Err(); err != nil {
		return cue.Value{}, nil, fmt.Errorf("unify configuration: %w", err)
	}
	return unified, files, nil
}

func (l *Loader) extractWorkspace(value cue.Value, cfg *Config) error {
	workspaceVal := value.LookupPath(cue.ParsePath("workspace"))
	if !workspaceVal.Exists() {
		cfg.Workspace = Workspace{Name: "default"}
		return nil
	}
	if err := workspaceVal.Decode(&cfg.Workspace); err != nil {
		return fmt.Errorf("decode workspace: %w", err)
	}
	if err := l.validator.Struct(cfg.Workspace); err != nil {
		return fmt.Errorf("workspace invalid: %w", err)
	}
	return nil
}

func (l *Loader) extractVariables(value cue.Value, cfg *Config) error {
	cfg.Variables = make(map[string]any)
	varsVal := value.LookupPath(cue.ParsePath("variables"))
	if !varsVal.Exists() {
		return nil
	}
	if err := varsVal.Decode(&cfg.Variables); err != nil {
		return fmt.Errorf("decode variables: %w", err)
	}
	return nil
}

func (l *Loader) extractResources(value cue.Value, cfg *Config) error {
	resourcesVal := value.LookupPath(cue.ParsePath("resources"))
	if !resourcesVal.Exists() {
		return nil
	}
	return l.decodeResourceStruct(resourcesVal, nil, cfg)
}

// extractModules reads modules.<name>.resources and namespaces every node
// under the module. References across module boundaries use the full
// namespaced address.
func (l *Loader) extractModules(value cue.Value, cfg *Config) error {
	modulesVal := value.LookupPath(cue.ParsePath("modules"))
	if !modulesVal.Exists() {
		return nil
	}
	iter, err := modulesVal.Fields(cue.Concrete(true))
	if err != nil {
		return fmt.Errorf("iterate modules: %w", err)
	}
	for iter.Next() {
		moduleName := iter.Selector().Unquoted()
		resourcesVal := iter.Value().LookupPath(cue.ParsePath("resources"))
		if !resourcesVal.Exists() {
			continue
		}
		if err := l.decodeResourceStruct(resourcesVal, []string{moduleName}, cfg); err != nil {
			return fmt.Errorf("module %s: %w", moduleName, err)
		}
	}
	return nil
}

func (l *Loader) decodeResourceStruct(resourcesVal cue.Value, module []string, cfg *Config) error {
	iter, err := resourcesVal.Fields(cue.Concrete(true))
	if err != nil {
		return fmt.Errorf("iterate resources: %w", err)
	}
	for iter.Next() {
		key := iter.Selector().Unquoted()
		var decl resourceDecl
		if err := iter.Value().Decode(&decl); err != nil {
			return fmt.Errorf("decode resource %s: %w", key, err)
		}
		node, err := l.buildNode(key, module, &decl)
		if err != nil {
			return err
		}
		cfg.Resources = append(cfg.Resources, *node)
	}
	return nil
}

func (l *Loader) buildNode(key string, module []string, decl *resourceDecl) (*engine.ResourceNode, error) {
	if err := l.validator.Struct(decl); err != nil {
		return nil, fmt.Errorf("resource %s invalid: %w", key, err)
	}

	addr, err := engine.ParseAddr(key)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", key, err)
	}
	for i := len(module) - 1; i >= 0; i-- {
		addr = addr.Child(module[i])
	}

	node := &engine.ResourceNode{
		Addr:     addr,
		Provider: decl.Provider,
		Attrs:    engine.Attrs(decl.Attrs),
		Lifecycle: engine.Lifecycle{
			CreateBeforeDestroy: decl.Lifecycle.CreateBeforeDestroy,
			PreventDestroy:      decl.Lifecycle.PreventDestroy,
		},
	}
	if node.Attrs == nil {
		node.Attrs = engine.Attrs{}
	}
	for _, dep := range decl.DependsOn {
		depAddr, err := engine.ParseAddr(dep)
		if err != nil {
			return nil, fmt.Errorf("resource %s depends_on %q: %w", key, dep, err)
		}
		node.DependsOn = append(node.DependsOn, depAddr)
	}
	return node, nil
}

// runGenerators evaluates generators.<name> scripts. A generator exports
// a resources global shaped exactly like the top-level resources struct.
func (l *Loader) runGenerators(ctx context.Context, value cue.Value, cfg *Config) error {
	generatorsVal := value.LookupPath(cue.ParsePath("generators"))
	if !generatorsVal.Exists() {
		return nil
	}
	iter, err := generatorsVal.Fields(cue.Concrete(true))
	if err != nil {
		return fmt.Errorf("iterate generators: %w", err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		var decl generatorDecl
		if err := iter.Value().Decode(&decl); err != nil {
			return fmt.Errorf("decode generator %s: %w", name, err)
		}
		if err := l.validator.Struct(&decl); err != nil {
			return fmt.Errorf("generator %s invalid: %w", name, err)
		}

		input := make(map[string]any, len(decl.Input)+1)
		for k, v := range decl.Input {
			input[k] = v
		}
		input["variables"] = cfg.Variables

		output, err := l.starlark.Evaluate(ctx, decl.Script, input)
		if err != nil {
			return fmt.Errorf("generator %s: %w", name, err)
		}

		generated, ok := output["resources"]
		if !ok {
			return fmt.Errorf("generator %s exported no resources", name)
		}
		declMap, err := decodeGenerated(generated)
		if err != nil {
			return fmt.Errorf("generator %s: %w", name, err)
		}

		keys := make([]string, 0, len(declMap))
		for key := range declMap {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			node, err := l.buildNode(key, nil, declMap[key])
			if err != nil {
				return fmt.Errorf("generator %s: %w", name, err)
			}
			cfg.Resources = append(cfg.Resources, *node)
		}
	}
	return nil
}

func decodeGenerated(v any) (map[string]*resourceDecl, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode generated resources: %w", err)
	}
	var decls map[string]*resourceDecl
	if err := json.Unmarshal(raw, &decls); err != nil {
		return nil, fmt.Errorf("generated resources malformed: %w", err)
	}
	return decls, nil
}
