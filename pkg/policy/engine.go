// Package policy evaluates Rego policies against planned change sets
// before they are applied. Policies live in the engine as prepared OPA
// queries; built-in policies ship compiled in, and operators add their
// own from .rego or .json files, with optional hot reload.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/loamctl/loam/pkg/engine"
)

// Engine compiles and evaluates policies against change sets.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	loader   *Loader
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	for _, p := range BuiltinPolicies() {
		if err := e.compileAndStore(context.Background(), &p); err != nil {
			return nil, fmt.Errorf("compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// EvaluateChangeSet runs every enabled policy against every non-noop
// change. A violation at error or critical severity makes the result
// disallowed; a policy that fails to evaluate is reported as a warning
// rather than treated as passing.
func (e *Engine) EvaluateChangeSet(ctx context.Context, workspace, operation string, cs *engine.ChangeSet) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, cp := range e.sortedPolicies() {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		for i := range cs.Changes {
			change := &cs.Changes[i]
			if change.Action == engine.ActionNoop {
				continue
			}
			input := &Input{
				Change: &ChangeInput{
					Addr:      change.Addr.String(),
					Action:    string(change.Action),
					Provider:  change.Provider,
					Reason:    string(change.Reason),
					Diff:      change.Diff,
					Desired:   change.Desired,
					Lifecycle: change.Lifecycle,
				},
				Summary:   cs.Summary,
				Workspace: workspace,
				Operation: operation,
				Timestamp: start,
			}

			violations, err := e.evaluate(ctx, cp, input)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("addr", input.Change.Addr).
					Msg("Policy evaluation failed")
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("policy %s failed on %s: %v", cp.policy.Name, input.Change.Addr, err))
				continue
			}
			result.Violations = append(result.Violations, violations...)
		}
	}

	for i := range result.Violations {
		if result.Violations[i].Severity.Blocks() {
			result.Allowed = false
			break
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("workspace", workspace).
		Str("operation", operation).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", result.Duration).
		Msg("Change set policy evaluation completed")
	return result, nil
}

// evaluate runs one prepared policy query against one input.
func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}

	var violations []Violation
	for _, res := range results {
		for _, expr := range res.Expressions {
			denySet, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

// toViolation converts one member of a policy's deny set. Objects may
// override severity and addr; anything else becomes the message.
func (e *Engine) toViolation(p *Policy, raw any, input *Input) Violation {
	v := Violation{
		Policy:     p.Name,
		Severity:   p.Severity,
		Addr:       input.Change.Addr,
		DetectedAt: time.Now(),
	}
	switch val := raw.(type) {
	case string:
		v.Message = val
	case map[string]any:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if addr, ok := val["addr"].(string); ok {
			v.Addr = addr
		}
	default:
		v.Message = fmt.Sprintf("%v", raw)
	}
	return v
}

// LoadPolicies loads and compiles policies from files or directories,
// replacing same-named policies already present.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compileAndStore(ctx, &policies[i]); err != nil {
			return fmt.Errorf("compile policy %s: %w", policies[i].Name, err)
		}
	}
	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Watch reloads policies from paths whenever their files change. It
// blocks until ctx is cancelled. The CLI evaluates policies once per
// invocation and never calls this; it serves long-running embedders of
// the engine.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i := range policies {
			if err := e.compileAndStore(ctx, &policies[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// compileAndStore parses, prepares, and registers one policy. Caller
// holds the write lock except during construction.
func (e *Engine) compileAndStore(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", packageName(p.Rego))),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}
	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// GetPolicy returns a loaded policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.sortedPolicies() {
		out = append(out, *cp.policy)
	}
	return out
}

// SetEnabled toggles a policy without recompiling it.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	cp.policy.UpdatedAt = time.Now()
	return nil
}

// Close stops any active file watcher.
func (e *Engine) Close() error {
	return e.loader.Close()
}

// sortedPolicies returns compiled policies in name order so evaluation
// and listings are deterministic. Caller holds at least a read lock.
func (e *Engine) sortedPolicies() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].policy.Name < out[j].policy.Name
	})
	return out
}

// packageName extracts the package path from Rego source.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				return fields[1]
			}
		}
	}
	return "loam.policies"
}
