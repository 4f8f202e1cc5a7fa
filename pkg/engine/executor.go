package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReferenceScope selects which records are consulted when checking that a
// destroy target is no longer referenced.
type ReferenceScope string

const (
	// ScopeState scans the whole state document (default).
	ScopeState ReferenceScope = "state"

	// ScopeGraph only scans records belonging to the current run's graph.
	ScopeGraph ReferenceScope = "graph"
)

// ExecutorConfig tunes executor behavior.
type ExecutorConfig struct {
	// Parallelism bounds concurrently in-flight provider calls.
	Parallelism int

	// MaxAttempts bounds provider call attempts per node, retries
	// included.
	MaxAttempts int

	// BaseBackoff is the initial retry delay. Throttled errors start at
	// five times this value.
	BaseBackoff time.Duration

	// DestroyScope selects the reference check scope for destroys.
	DestroyScope ReferenceScope
}

// DefaultExecutorConfig returns the default tuning.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Parallelism:  10,
		MaxAttempts:  4,
		BaseBackoff:  time.Second,
		DestroyScope: ScopeState,
	}
}

// Executor applies a change set by walking the graph in dependency order.
// Independent subgraphs run concurrently on a bounded worker pool; a
// node's resulting attributes are committed to the state store before any
// dependent starts.
type Executor struct {
	registry ProviderRegistry
	store    StateStore
	sink     EventSink
	cfg      ExecutorConfig

	// inGraph marks the addresses declared in the current run's graph;
	// checkReferences consults it under ScopeGraph. Set once per Apply.
	inGraph map[string]bool

	// commitMu serializes state document mutation and persistence.
	commitMu sync.Mutex
}

// NewExecutor creates an executor. sink may be nil.
func NewExecutor(registry ProviderRegistry, store StateStore, sink EventSink, cfg ExecutorConfig) *Executor {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.DestroyScope == "" {
		cfg.DestroyScope = ScopeState
	}
	return &Executor{registry: registry, store: store, sink: sink, cfg: cfg}
}

// execNode is the executor-internal view of one scheduled change.
type execNode struct {
	key    string
	change *Change
	// resource is the declared node; nil for destroys of removed records.
	resource *ResourceNode
	// deps and dependents are restricted to scheduled (non-noop) nodes.
	deps       []string
	dependents []string
	// graphDeps are the full dependency addresses from the graph, stored
	// into the state record on commit.
	graphDeps []string
}

// Apply executes the change set against doc. doc must have been loaded
// under the store's lock, which the caller holds for the whole run.
// Partial success is a valid end state: the returned Run reports every
// node outcome and err is non-nil only for run-level failures.
func (e *Executor) Apply(ctx context.Context, graph *Graph, cs *ChangeSet, doc *Document) (*Run, error) {
	run := &Run{
		ID:          uuid.New().String(),
		ChangeSetID: cs.ID,
		Status:      RunStatusRunning,
		StartedAt:   time.Now(),
		Results:     make(map[string]*NodeResult),
	}
	e.publish(Event{Type: EventRunStarted, RunID: run.ID, Message: "run started", Timestamp: time.Now()})

	e.inGraph = make(map[string]bool, len(graph.Nodes))
	for key := range graph.Nodes {
		e.inGraph[key] = true
	}

	nodes := e.buildSchedule(graph, cs, doc)
	run.Summary.Total = len(nodes)

	e.runPool(ctx, run, nodes, doc)

	completed := time.Now()
	run.CompletedAt = &completed
	e.finalize(run)
	return run, nil
}

// buildSchedule turns actionable changes into scheduling nodes with edges
// restricted to the scheduled set. Creates and updates inherit graph
// edges; destroys of removed records are ordered by the dependency lists
// captured in state, reversed.
func (e *Executor) buildSchedule(graph *Graph, cs *ChangeSet, doc *Document) map[string]*execNode {
	nodes := make(map[string]*execNode)
	for i := range cs.Changes {
		change := &cs.Changes[i]
		if change.Action == ActionNoop {
			continue
		}
		key := change.Addr.String()
		en := &execNode{key: key, change: change}
		if gn, ok := graph.Nodes[key]; ok {
			en.resource = gn.Resource
			en.graphDeps = append([]string{}, gn.Dependencies...)
		}
		nodes[key] = en
	}

	for key, en := range nodes {
		switch en.change.Action {
		case ActionDestroy:
			// A destroyed record must go after every scheduled destroy
			// that depends on it.
			for other, otherNode := range nodes {
				if other == key || otherNode.change.Action != ActionDestroy {
					continue
				}
				if containsString(otherNode.graphDeps, key) || recDependsOn(doc.Records[other], key) {
					en.deps = append(en.deps, other)
					otherNode.dependents = append(otherNode.dependents, key)
				}
			}
		default:
			if gn, ok := graph.Nodes[key]; ok {
				for _, dep := range gn.Dependencies {
					if depNode, scheduled := nodes[dep]; scheduled && depNode.change.Action != ActionDestroy {
						en.deps = append(en.deps, dep)
						depNode.dependents = append(depNode.dependents, key)
					}
				}
			}
		}
	}
	return nodes
}

type completion struct {
	key    string
	result *NodeResult
}

// runPool drives the ready-set scheduler: a node becomes ready when every
// dependency reached Applied and its attributes were committed. Failures
// propagate as Skipped to all transitive dependents while independent
// branches keep running.
func (e *Executor) runPool(ctx context.Context, run *Run, nodes map[string]*execNode, doc *Document) {
	remaining := make(map[string]int, len(nodes))
	status := make(map[string]NodeStatus, len(nodes))
	failCause := make(map[string][]string)
	for key, en := range nodes {
		remaining[key] = len(en.deps)
		status[key] = NodeStatusPlanned
	}

	sem := make(chan struct{}, e.cfg.Parallelism)
	completions := make(chan completion, len(nodes))
	cancelled := false
	pending := len(nodes)

	start := func(key string) {
		status[key] = NodeStatusApplying
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			completions <- completion{key: key, result: e.executeNode(ctx, run, nodes[key], doc)}
		}()
	}

	skip := func(key string, because []string) {
		status[key] = NodeStatusSkipped
		failCause[key] = because
		result := &NodeResult{
			Addr:           key,
			Status:         NodeStatusSkipped,
			SkippedBecause: because,
		}
		e.publish(Event{
			Type: EventNodeSkipped, RunID: run.ID, Addr: key,
			Message:   fmt.Sprintf("skipped: dependency failed (%v)", because),
			Timestamp: time.Now(),
		})
		completions <- completion{key: key, result: result}
	}

	dispatch := func(key string) {
		if cancelled {
			skip(key, []string{"run cancelled"})
			return
		}
		var failedDeps []string
		for _, dep := range nodes[key].deps {
			if status[dep] != NodeStatusApplied {
				failedDeps = append(failedDeps, dep)
				failedDeps = append(failedDeps, failCause[dep]...)
			}
		}
		if len(failedDeps) > 0 {
			skip(key, dedupe(failedDeps))
			return
		}
		start(key)
	}

	// Seed the ready set deterministically.
	var initial []string
	for key, n := range remaining {
		if n == 0 {
			initial = append(initial, key)
		}
	}
	sort.Strings(initial)
	for _, key := range initial {
		dispatch(key)
	}

	done := ctx.Done()
	for pending > 0 {
		select {
		case <-done:
			done = nil
			cancelled = true
			e.publish(Event{
				Type: EventRunCancelling, RunID: run.ID,
				Message:   "cancellation requested; in-flight changes will finish",
				Timestamp: time.Now(),
			})
			// Keep draining completions; in-flight nodes still commit.
		case c := <-completions:
			pending--
			run.Results[c.key] = c.result
			status[c.key] = c.result.Status
			if c.result.Status == NodeStatusFailed {
				failCause[c.key] = []string{c.key}
			}
			for _, dep := range nodes[c.key].dependents {
				remaining[dep]--
				if remaining[dep] == 0 {
					dispatch(dep)
				}
			}
		}
	}

	if cancelled {
		run.Status = RunStatusCancelled
	}
}

// executeNode applies one change with retry and commits the outcome. The
// provider call runs on a context detached from run cancellation: once in
// flight it is allowed to finish and its result is committed to avoid
// drift.
func (e *Executor) executeNode(ctx context.Context, run *Run, en *execNode, doc *Document) *NodeResult {
	key := en.key
	result := &NodeResult{Addr: key, Status: NodeStatusApplying}

	e.publish(Event{
		Type: EventNodeApplying, RunID: run.ID, Addr: key,
		Message:   fmt.Sprintf("%s %s", en.change.Action, key),
		Timestamp: time.Now(),
	})

	provider, err := e.registry.Get(en.change.Provider)
	if err != nil {
		return e.fail(run, result, err)
	}

	callCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt + 1
		lastErr = e.applyChange(callCtx, provider, en, doc)
		if lastErr == nil {
			break
		}
		if !IsRetryable(lastErr) || attempt == e.cfg.MaxAttempts-1 {
			break
		}
		backoff := e.backoff(attempt, lastErr)
		e.publish(Event{
			Type: EventNodeRetrying, RunID: run.ID, Addr: key,
			Message:   fmt.Sprintf("retrying in %s after: %v", backoff, lastErr),
			Timestamp: time.Now(),
		})
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			// Cancellation between attempts stops retrying.
			lastErr = fmt.Errorf("retry aborted: %w", ctx.Err())
			attempt = e.cfg.MaxAttempts
		}
	}

	if lastErr != nil {
		return e.fail(run, result, lastErr)
	}

	result.Status = NodeStatusApplied
	result.AppliedAt = time.Now()
	e.publish(Event{
		Type: EventNodeApplied, RunID: run.ID, Addr: key,
		Message:   fmt.Sprintf("%s %s complete", en.change.Action, key),
		Timestamp: time.Now(),
	})
	return result
}

// applyChange performs one attempt of the change and, on success, commits
// the resulting record to the state store before returning.
func (e *Executor) applyChange(ctx context.Context, provider Provider, en *execNode, doc *Document) error {
	addr := en.change.Addr
	key := en.key

	switch en.change.Action {
	case ActionCreate:
		desired, err := e.resolveDesired(en, doc)
		if err != nil {
			return err
		}
		attrs, id, err := provider.Create(ctx, addr, desired)
		if err != nil {
			return err
		}
		return e.commit(ctx, doc, key, &Record{
			Addr:         key,
			Provider:     en.change.Provider,
			ID:           id,
			Attrs:        attrs,
			Lifecycle:    en.change.Lifecycle,
			Dependencies: en.graphDeps,
		})

	case ActionUpdate:
		rec := e.lookupRecord(doc, key)
		if rec == nil {
			return NewPermanentError("no state record for update", nil).WithAddr(addr)
		}
		desired, err := e.resolveDesired(en, doc)
		if err != nil {
			return err
		}
		attrs, err := provider.Update(ctx, addr, rec.ID, desired, en.change.Diff)
		if err != nil {
			return err
		}
		updated := *rec
		updated.Attrs = attrs
		updated.Dependencies = en.graphDeps
		return e.commit(ctx, doc, key, &updated)

	case ActionReplace:
		return e.applyReplace(ctx, provider, en, doc)

	case ActionDestroy:
		rec := e.lookupRecord(doc, key)
		if rec == nil {
			// Already gone; destroy is idempotent.
			return nil
		}
		if err := e.checkReferences(doc, key); err != nil {
			return err
		}
		if err := provider.Destroy(ctx, addr, rec.ID); err != nil {
			return err
		}
		return e.commit(ctx, doc, key, nil)

	default:
		return NewPermanentError(fmt.Sprintf("unexpected action %s", en.change.Action), nil).WithAddr(addr)
	}
}

// applyReplace destroys and recreates a node, ordered by the node's
// create_before_destroy lifecycle flag.
func (e *Executor) applyReplace(ctx context.Context, provider Provider, en *execNode, doc *Document) error {
	addr := en.change.Addr
	key := en.key
	rec := e.lookupRecord(doc, key)
	if rec == nil {
		return NewPermanentError("no state record for replace", nil).WithAddr(addr)
	}
	desired, err := e.resolveDesired(en, doc)
	if err != nil {
		return err
	}

	if en.change.Lifecycle.CreateBeforeDestroy {
		attrs, id, err := provider.Create(ctx, addr, desired)
		if err != nil {
			return err
		}
		if err := provider.Destroy(ctx, addr, rec.ID); err != nil {
			// The new object exists; commit it so state matches reality,
			// then surface the destroy failure.
			_ = e.commit(ctx, doc, key, &Record{
				Addr: key, Provider: en.change.Provider, ID: id,
				Attrs: attrs, Lifecycle: en.change.Lifecycle, Dependencies: en.graphDeps,
			})
			return err
		}
		return e.commit(ctx, doc, key, &Record{
			Addr: key, Provider: en.change.Provider, ID: id,
			Attrs: attrs, Lifecycle: en.change.Lifecycle, Dependencies: en.graphDeps,
		})
	}

	if err := provider.Destroy(ctx, addr, rec.ID); err != nil {
		return err
	}
	if err := e.commit(ctx, doc, key, nil); err != nil {
		return err
	}
	attrs, id, err := provider.Create(ctx, addr, desired)
	if err != nil {
		return err
	}
	return e.commit(ctx, doc, key, &Record{
		Addr: key, Provider: en.change.Provider, ID: id,
		Attrs: attrs, Lifecycle: en.change.Lifecycle, Dependencies: en.graphDeps,
	})
}

// resolveDesired re-interpolates the node's declared attributes against
// committed state. Every dependency is Applied by the time this runs, so
// no value may remain unknown.
func (e *Executor) resolveDesired(en *execNode, doc *Document) (Attrs, error) {
	declared := en.change.Desired
	if en.resource != nil {
		declared = en.resource.Attrs
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	resolved, err := Interpolate(declared, func(ref Reference) (any, bool) {
		rec := doc.Records[ref.Target.String()]
		if rec == nil {
			return nil, false
		}
		v, ok := rec.Attrs[ref.Attr]
		return v, ok
	})
	if err != nil {
		return nil, err
	}
	if ContainsUnknown(resolved) {
		return nil, NewPermanentError("unresolved attribute after dependencies applied", nil).WithAddr(en.change.Addr)
	}
	return resolved, nil
}

// checkReferences enforces that a destroy target is not referenced by any
// other live record, unless that record is being destroyed in this run.
// Under ScopeGraph only records belonging to the run's graph count as
// referrers.
func (e *Executor) checkReferences(doc *Document, key string) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	var referrers []string
	for other, rec := range doc.Records {
		if other == key {
			continue
		}
		if e.cfg.DestroyScope == ScopeGraph && !e.inGraph[other] {
			continue
		}
		if recDependsOn(rec, key) {
			referrers = append(referrers, other)
		}
	}
	if len(referrers) > 0 {
		sort.Strings(referrers)
		return &DependencyExistsError{Addr: key, Referrers: referrers}
	}
	return nil
}

// commit mutates the document under the commit lock and persists it
// atomically. rec == nil removes the record (confirmed destroy). The
// commit completes before any dependent node may start: this is the
// read-after-write guarantee.
func (e *Executor) commit(ctx context.Context, doc *Document, key string, rec *Record) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if rec == nil {
		delete(doc.Records, key)
	} else {
		if prev := doc.Records[key]; prev != nil {
			rec.Serial = prev.Serial + 1
		}
		rec.UpdatedAt = time.Now()
		doc.Records[key] = rec
	}
	if err := e.store.Save(ctx, doc); err != nil {
		return NewPermanentError("state commit failed", err)
	}
	e.publish(Event{
		Type: EventStateCommit, Addr: key,
		Message:   "state committed",
		Timestamp: time.Now(),
	})
	return nil
}

func (e *Executor) lookupRecord(doc *Document, key string) *Record {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return doc.Records[key]
}

func (e *Executor) fail(run *Run, result *NodeResult, err error) *NodeResult {
	result.Status = NodeStatusFailed
	result.Error = err.Error()
	e.publish(Event{
		Type: EventNodeFailed, RunID: run.ID, Addr: result.Addr,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
	return result
}

// backoff computes the exponential retry delay with class-sensitive base
// and deterministic jitter, capped at one minute.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	base := e.cfg.BaseBackoff
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

func (e *Executor) finalize(run *Run) {
	for _, result := range run.Results {
		switch result.Status {
		case NodeStatusApplied:
			run.Summary.Applied++
		case NodeStatusFailed:
			run.Summary.Failed++
		case NodeStatusSkipped:
			run.Summary.Skipped++
		}
	}

	if run.Status != RunStatusCancelled {
		switch {
		case run.Summary.Failed == 0 && run.Summary.Skipped == 0:
			run.Status = RunStatusSucceeded
		case run.Summary.Applied > 0:
			run.Status = RunStatusPartial
		default:
			run.Status = RunStatusFailed
		}
	}

	e.publish(Event{
		Type: EventRunCompleted, RunID: run.ID,
		Message:   fmt.Sprintf("run %s: %d applied, %d failed, %d skipped", run.Status, run.Summary.Applied, run.Summary.Failed, run.Summary.Skipped),
		Timestamp: time.Now(),
	})
}

func (e *Executor) publish(event Event) {
	if e.sink != nil {
		e.sink.Publish(event)
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	var out []string
	for _, item := range list {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}
