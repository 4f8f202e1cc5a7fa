package engine

import (
	"time"
)

// Attrs is a typed key/value attribute set. Values are JSON-shaped: bool,
// float64, string, []any, map[string]any, plus Unknown markers during
// planning.
type Attrs map[string]any

// Copy returns a shallow copy of the attribute set.
func (a Attrs) Copy() Attrs {
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Lifecycle holds per-node lifecycle flags.
type Lifecycle struct {
	// CreateBeforeDestroy orders a replacement as create-then-destroy
	// instead of the default destroy-then-create.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty"`

	// PreventDestroy makes any plan that would destroy this node fail.
	PreventDestroy bool `json:"prevent_destroy,omitempty"`
}

// ResourceNode is a single declared resource: the desired side of the
// reconciliation. Nodes are produced by the configuration layer and are
// immutable once the graph is built.
type ResourceNode struct {
	// Addr uniquely identifies the node.
	Addr Addr `json:"addr"`

	// Provider names the provider adapter responsible for this node.
	Provider string `json:"provider"`

	// Attrs is the desired attribute set. String values may contain
	// ${...} references to other nodes' attributes.
	Attrs Attrs `json:"attrs"`

	// DependsOn lists explicit dependencies in addition to those implied
	// by attribute references.
	DependsOn []Addr `json:"depends_on,omitempty"`

	// Lifecycle holds the node's lifecycle flags.
	Lifecycle Lifecycle `json:"lifecycle,omitempty"`
}

// Record is the last-known applied state of one resource, owned by the
// state store and mutated only after a confirmed provider response.
type Record struct {
	// Addr is the canonical address string of the resource.
	Addr string `json:"addr"`

	// Provider names the provider adapter that manages the resource.
	Provider string `json:"provider"`

	// ID is the provider-assigned identifier.
	ID string `json:"id"`

	// Attrs is the last applied attribute set.
	Attrs Attrs `json:"attrs"`

	// Lifecycle is the lifecycle in effect when the record was written.
	// Needed so destroy planning honors flags for nodes no longer in
	// configuration.
	Lifecycle Lifecycle `json:"lifecycle,omitempty"`

	// Dependencies are the addresses this record depended on when it was
	// applied. Destroy ordering and reference checks use these after the
	// node has left configuration.
	Dependencies []string `json:"dependencies,omitempty"`

	// Serial increments on every committed change to this record.
	Serial uint64 `json:"serial"`

	// UpdatedAt is when the record was last committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentVersion is the state document schema version understood by this
// build. Loading a document with a different version fails fast.
const DocumentVersion = 1

// Document is the persisted state: every record plus a schema version tag.
type Document struct {
	// Version is the document schema version.
	Version int `json:"version"`

	// Serial increments on every save.
	Serial uint64 `json:"serial"`

	// Records maps canonical addresses to state records.
	Records map[string]*Record `json:"records"`
}

// NewDocument returns an empty state document at the current version.
func NewDocument() *Document {
	return &Document{
		Version: DocumentVersion,
		Records: make(map[string]*Record),
	}
}

// ChangeReason explains why a change set entry exists.
type ChangeReason string

const (
	// ReasonConfigChange indicates the declared configuration differs from
	// the stored record.
	ReasonConfigChange ChangeReason = "config_change"

	// ReasonDrift indicates the refreshed remote state diverged from the
	// stored record.
	ReasonDrift ChangeReason = "drift"

	// ReasonRemoved indicates the resource was removed from configuration
	// while a state record still exists.
	ReasonRemoved ChangeReason = "removed"

	// ReasonNew indicates the resource has no state record yet.
	ReasonNew ChangeReason = "new"
)

// AttrDiff is the old/new pair for one attribute.
type AttrDiff struct {
	// Old is the last applied value; nil on create.
	Old any `json:"old,omitempty"`

	// New is the desired value; nil on destroy.
	New any `json:"new,omitempty"`

	// ForcesReplacement is true when the provider schema marks this
	// attribute as requiring the resource to be recreated.
	ForcesReplacement bool `json:"forces_replacement,omitempty"`
}

// Change is one entry of a ChangeSet: the action to take on one node.
type Change struct {
	// Addr is the node's address.
	Addr Addr `json:"addr"`

	// Action is the reconciliation action.
	Action Action `json:"action"`

	// Provider names the responsible provider adapter.
	Provider string `json:"provider"`

	// Diff maps attribute names to their old/new pairs. Empty for no-ops.
	Diff map[string]AttrDiff `json:"diff,omitempty"`

	// Desired is the desired attribute set after interpolation; nil for
	// destroys.
	Desired Attrs `json:"desired,omitempty"`

	// Reason records why this change exists.
	Reason ChangeReason `json:"reason"`

	// Lifecycle carries the node's lifecycle flags into execution.
	Lifecycle Lifecycle `json:"lifecycle,omitempty"`
}

// ChangeSet is the ordered set of actions reconciling desired state with
// the state document. Order is consistent with the dependency graph:
// creates and updates in topological order, destroys in reverse.
type ChangeSet struct {
	// ID uniquely identifies the change set.
	ID string `json:"id"`

	// CreatedAt is when the change set was computed.
	CreatedAt time.Time `json:"created_at"`

	// Changes lists every per-node change, including no-ops.
	Changes []Change `json:"changes"`

	// Summary aggregates the change set by action.
	Summary Summary `json:"summary"`
}

// HasChanges reports whether any entry performs an action.
func (cs *ChangeSet) HasChanges() bool {
	for i := range cs.Changes {
		if cs.Changes[i].Action != ActionNoop {
			return true
		}
	}
	return false
}

// ByAddr returns the change for the given address, or nil.
func (cs *ChangeSet) ByAddr(addr Addr) *Change {
	key := addr.String()
	for i := range cs.Changes {
		if cs.Changes[i].Addr.String() == key {
			return &cs.Changes[i]
		}
	}
	return nil
}

// Summary aggregates a change set by action.
type Summary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Replace int `json:"replace"`
	Destroy int `json:"destroy"`
	Noop    int `json:"noop"`
}

// Graph is the immutable DAG produced by the graph builder. Keys are
// canonical address strings.
type Graph struct {
	// Nodes maps addresses to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists every dependency edge (from must apply before to).
	Edges []Edge `json:"edges"`

	// Roots are the addresses with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of topological levels.
	Depth int `json:"depth"`
}

// GraphNode is one vertex of the graph.
type GraphNode struct {
	// Addr is the node's address.
	Addr Addr `json:"addr"`

	// Resource is the declared node; nil for destroy-only nodes that
	// exist solely in state.
	Resource *ResourceNode `json:"resource,omitempty"`

	// Level is the topological level (distance from the roots).
	Level int `json:"level"`

	// Dependencies are the addresses this node depends on.
	Dependencies []string `json:"dependencies"`

	// Dependents are the addresses depending on this node.
	Dependents []string `json:"dependents"`

	// References are the attribute references this node makes.
	References []Reference `json:"references,omitempty"`
}

// Edge is a dependency edge: From must be applied before To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Run is the record of one executed change set.
type Run struct {
	// ID uniquely identifies the run.
	ID string `json:"id"`

	// ChangeSetID names the change set that was executed.
	ChangeSetID string `json:"change_set_id"`

	// Status is the final run status.
	Status RunStatus `json:"status"`

	// StartedAt / CompletedAt bound the run.
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Results maps addresses to per-node outcomes.
	Results map[string]*NodeResult `json:"results"`

	// Summary aggregates the run by node status.
	Summary RunSummary `json:"summary"`
}

// NodeResult is the outcome of one node in a run.
type NodeResult struct {
	// Addr is the node's address.
	Addr string `json:"addr"`

	// Status is the terminal node status.
	Status NodeStatus `json:"status"`

	// Attempts counts provider call attempts, including retries.
	Attempts int `json:"attempts"`

	// AppliedAt is when the node's state commit completed.
	AppliedAt time.Time `json:"applied_at,omitempty"`

	// Error is the terminal error, if any.
	Error string `json:"error,omitempty"`

	// SkippedBecause names the failed dependency chain for skipped nodes.
	SkippedBecause []string `json:"skipped_because,omitempty"`
}

// RunSummary aggregates a run by node status.
type RunSummary struct {
	Total   int `json:"total"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}
