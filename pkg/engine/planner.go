package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Planner computes the change set reconciling declared nodes with the
// state document.
type Planner struct {
	registry ProviderRegistry
}

// NewPlanner creates a planner backed by the given provider registry.
func NewPlanner(registry ProviderRegistry) *Planner {
	return &Planner{registry: registry}
}

// PlanOptions controls change set computation.
type PlanOptions struct {
	// Refresh reads the remote state of every recorded resource before
	// diffing, so drift shows up in the change set.
	Refresh bool

	// Destroy plans a full teardown of everything in state instead of a
	// reconciliation.
	Destroy bool
}

// Plan computes the change set for the given graph and state document.
// The graph must have been built from the same node set; doc is not
// mutated except for refreshed attributes when opts.Refresh is set.
func (p *Planner) Plan(ctx context.Context, graph *Graph, doc *Document, opts PlanOptions) (*ChangeSet, error) {
	cs := &ChangeSet{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}

	if opts.Destroy {
		if err := p.planDestroyAll(cs, doc); err != nil {
			return nil, err
		}
		p.summarize(cs)
		return cs, nil
	}

	if opts.Refresh {
		if err := p.refresh(ctx, doc); err != nil {
			return nil, err
		}
	}

	// Planned desired attributes and actions, accumulated in topological
	// order so later nodes can resolve references against earlier ones.
	actions := make(map[string]Action)
	planned := make(map[string]Attrs)

	for _, key := range graph.TopoOrder() {
		node := graph.Nodes[key].Resource
		schema, err := p.schemaFor(node)
		if err != nil {
			return nil, err
		}

		desired, err := Interpolate(node.Attrs, p.lookup(graph, doc, actions, planned, schema))
		if err != nil {
			return nil, err
		}

		change, err := p.diffNode(node, desired, doc.Records[key], schema)
		if err != nil {
			return nil, err
		}

		actions[key] = change.Action
		planned[key] = desired
		cs.Changes = append(cs.Changes, *change)
	}

	// Records with no declared node are slated for removal, sequenced in
	// reverse dependency order after everything else.
	destroys, err := p.planRemoved(graph, doc)
	if err != nil {
		return nil, err
	}
	cs.Changes = append(cs.Changes, destroys...)

	p.summarize(cs)
	return cs, nil
}

// lookup builds the reference resolver used while interpolating a node's
// attributes. References resolve against the target's planned attributes
// when the target changes in this run, and against its state record
// otherwise. A reference is unknown when the referenced attribute is
// provider-computed on a node being created or replaced.
func (p *Planner) lookup(graph *Graph, doc *Document, actions map[string]Action, planned map[string]Attrs, _ *ResourceSchema) LookupFunc {
	return func(ref Reference) (any, bool) {
		key := ref.Target.String()
		action, seen := actions[key]
		if !seen {
			// Reference to a node later in topological order would mean a
			// cycle; the builder already rejected those.
			return nil, false
		}

		switch action {
		case ActionNoop, ActionDestroy:
			if rec := doc.Records[key]; rec != nil {
				if v, ok := rec.Attrs[ref.Attr]; ok {
					return v, true
				}
			}
			return nil, false
		}

		// Create, replace, or update: the planned attributes are what the
		// target will hold after apply, so dependents diff against them and
		// an update cascades through references in the same change set.
		// Configured values are known ahead of time, computed ones only
		// after apply.
		if attrs := planned[key]; attrs != nil {
			if v, ok := attrs[ref.Attr]; ok {
				if _, isUnknown := v.(Unknown); isUnknown {
					return nil, false
				}
				return v, true
			}
		}
		// An update leaves attributes outside the declared set untouched.
		if action == ActionUpdate {
			if rec := doc.Records[key]; rec != nil {
				if v, ok := rec.Attrs[ref.Attr]; ok {
					return v, true
				}
			}
		}
		return nil, false
	}
}

// diffNode computes the action for a single declared node.
func (p *Planner) diffNode(node *ResourceNode, desired Attrs, rec *Record, schema *ResourceSchema) (*Change, error) {
	change := &Change{
		Addr:      node.Addr,
		Provider:  node.Provider,
		Desired:   desired,
		Lifecycle: node.Lifecycle,
	}

	if rec == nil {
		change.Action = ActionCreate
		change.Reason = ReasonNew
		change.Diff = make(map[string]AttrDiff, len(desired))
		for k, v := range desired {
			change.Diff[k] = AttrDiff{New: v, ForcesReplacement: false}
		}
		return change, nil
	}

	diff := make(map[string]AttrDiff)
	forcesReplacement := false
	for k, newVal := range desired {
		meta := schema.Attributes[k]
		oldVal, had := rec.Attrs[k]
		if had && attrsEqual(oldVal, newVal) {
			continue
		}
		d := AttrDiff{Old: oldVal, New: newVal}
		// An attribute neither updatable nor computed cannot change in
		// place, so it forces replacement even without the explicit flag.
		if meta.ForcesReplacement || (!meta.Updatable && !meta.Computed) {
			d.ForcesReplacement = true
			forcesReplacement = true
		}
		diff[k] = d
	}

	if len(diff) == 0 {
		change.Action = ActionNoop
		return change, nil
	}

	change.Diff = diff
	change.Reason = ReasonConfigChange
	if forcesReplacement {
		if node.Lifecycle.PreventDestroy {
			return nil, &PreventDestroyError{Addr: node.Addr.String()}
		}
		change.Action = ActionReplace
	} else {
		change.Action = ActionUpdate
	}
	return change, nil
}

// planRemoved emits destroy changes for records whose address no longer
// appears in the graph, ordered so dependents go before their
// dependencies.
func (p *Planner) planRemoved(graph *Graph, doc *Document) ([]Change, error) {
	var removed []string
	for key := range doc.Records {
		if _, declared := graph.Nodes[key]; !declared {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)

	ordered := orderForDestroy(removed, doc)
	changes := make([]Change, 0, len(ordered))
	for _, key := range ordered {
		rec := doc.Records[key]
		if rec.Lifecycle.PreventDestroy {
			return nil, &PreventDestroyError{Addr: key}
		}
		addr, err := ParseAddr(key)
		if err != nil {
			return nil, fmt.Errorf("corrupt state record address %q: %w", key, err)
		}
		changes = append(changes, Change{
			Addr:      addr,
			Action:    ActionDestroy,
			Provider:  rec.Provider,
			Reason:    ReasonRemoved,
			Lifecycle: rec.Lifecycle,
			Diff:      destroyDiff(rec),
		})
	}
	return changes, nil
}

// planDestroyAll plans a teardown of the whole state document.
func (p *Planner) planDestroyAll(cs *ChangeSet, doc *Document) error {
	keys := make([]string, 0, len(doc.Records))
	for key := range doc.Records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range orderForDestroy(keys, doc) {
		rec := doc.Records[key]
		if rec.Lifecycle.PreventDestroy {
			return &PreventDestroyError{Addr: key}
		}
		addr, err := ParseAddr(key)
		if err != nil {
			return fmt.Errorf("corrupt state record address %q: %w", key, err)
		}
		cs.Changes = append(cs.Changes, Change{
			Addr:      addr,
			Action:    ActionDestroy,
			Provider:  rec.Provider,
			Reason:    ReasonRemoved,
			Lifecycle: rec.Lifecycle,
			Diff:      destroyDiff(rec),
		})
	}
	return nil
}

// refresh reads every recorded resource through its provider and folds
// the observed attributes back into the document so drift is visible to
// the diff.
func (p *Planner) refresh(ctx context.Context, doc *Document) error {
	keys := make([]string, 0, len(doc.Records))
	for key := range doc.Records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rec := doc.Records[key]
		provider, err := p.registry.Get(rec.Provider)
		if err != nil {
			return err
		}
		addr, err := ParseAddr(key)
		if err != nil {
			return fmt.Errorf("corrupt state record address %q: %w", key, err)
		}
		attrs, found, err := provider.Read(ctx, addr, rec.ID)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", key, err)
		}
		if !found {
			// The remote object vanished; drop the record so the diff
			// plans a fresh create.
			delete(doc.Records, key)
			continue
		}
		rec.Attrs = attrs
	}
	return nil
}

func (p *Planner) schemaFor(node *ResourceNode) (*ResourceSchema, error) {
	provider, err := p.registry.Get(node.Provider)
	if err != nil {
		return nil, err
	}
	return provider.Schema(node.Addr.Type)
}

func (p *Planner) summarize(cs *ChangeSet) {
	for i := range cs.Changes {
		switch cs.Changes[i].Action {
		case ActionCreate:
			cs.Summary.Create++
		case ActionUpdate:
			cs.Summary.Update++
		case ActionReplace:
			cs.Summary.Replace++
		case ActionDestroy:
			cs.Summary.Destroy++
		case ActionNoop:
			cs.Summary.Noop++
		}
	}
}

// orderForDestroy sorts the given record addresses so that every record
// precedes the records it depends on (reverse dependency order), using
// the dependency lists captured in state.
func orderForDestroy(keys []string, doc *Document) []string {
	inSet := make(map[string]bool, len(keys))
	for _, k := range keys {
		inSet[k] = true
	}

	// dependents-first: visit dependencies after the nodes that use them.
	visited := make(map[string]bool, len(keys))
	var ordered []string
	var visit func(key string)
	visit = func(key string) {
		if visited[key] {
			return
		}
		visited[key] = true
		rec := doc.Records[key]
		if rec != nil {
			for _, other := range keys {
				if other == key || visited[other] {
					continue
				}
				// other depends on key -> other must be destroyed first.
				if recDependsOn(doc.Records[other], key) {
					visit(other)
				}
			}
		}
		ordered = append(ordered, key)
	}
	for _, key := range keys {
		visit(key)
	}
	return ordered
}

func recDependsOn(rec *Record, target string) bool {
	if rec == nil {
		return false
	}
	for _, dep := range rec.Dependencies {
		if dep == target {
			return true
		}
	}
	return false
}

func destroyDiff(rec *Record) map[string]AttrDiff {
	diff := make(map[string]AttrDiff, len(rec.Attrs))
	for k, v := range rec.Attrs {
		diff[k] = AttrDiff{Old: v}
	}
	return diff
}

// attrsEqual compares two attribute values structurally. Numeric values
// are normalized to float64 first, matching JSON decoding.
func attrsEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
