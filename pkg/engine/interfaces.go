package engine

import (
	"context"
	"time"
)

// AttrSchema is the provider-declared metadata for one attribute.
type AttrSchema struct {
	// Type is the attribute's declared type ("string", "number", "bool",
	// "list", "map").
	Type string `json:"type"`

	// Required attributes must be set in configuration.
	Required bool `json:"required,omitempty"`

	// Updatable attributes may change without replacing the resource.
	Updatable bool `json:"updatable,omitempty"`

	// ForcesReplacement attributes require destroy+create on change.
	ForcesReplacement bool `json:"forces_replacement,omitempty"`

	// Computed attributes are assigned by the provider and may be
	// referenced by other nodes but not set in configuration.
	Computed bool `json:"computed,omitempty"`
}

// ResourceSchema declares the attribute surface of one resource type.
type ResourceSchema struct {
	// Type is the resource type name.
	Type string `json:"type"`

	// Attributes maps attribute names to their metadata.
	Attributes map[string]AttrSchema `json:"attributes"`
}

// HasAttr reports whether the schema declares the named attribute.
func (s *ResourceSchema) HasAttr(name string) bool {
	_, ok := s.Attributes[name]
	return ok
}

// Provider is the uniform capability interface over heterogeneous remote
// APIs. Each adapter implements it against its own protocol; the executor
// never special-cases a provider type.
type Provider interface {
	// Schema returns the attribute schema for a resource type.
	Schema(resourceType string) (*ResourceSchema, error)

	// Read fetches the current remote attributes of a resource. The
	// second return is false when the resource does not exist remotely.
	Read(ctx context.Context, addr Addr, id string) (Attrs, bool, error)

	// Create provisions a new resource and returns its resulting
	// attributes and provider-assigned identifier.
	Create(ctx context.Context, addr Addr, desired Attrs) (Attrs, string, error)

	// Update applies an in-place change and returns the resulting
	// attributes.
	Update(ctx context.Context, addr Addr, id string, desired Attrs, diff map[string]AttrDiff) (Attrs, error)

	// Destroy removes the resource. It must be idempotent: destroying an
	// already absent resource succeeds.
	Destroy(ctx context.Context, addr Addr, id string) error
}

// ProviderRegistry resolves provider names to adapters.
type ProviderRegistry interface {
	// Get returns the provider registered under name.
	Get(name string) (Provider, error)

	// Names lists registered provider names, sorted.
	Names() []string
}

// LockInfo describes the holder of the state lock.
type LockInfo struct {
	// ID uniquely identifies the lock acquisition.
	ID string `json:"id"`

	// Who identifies the user or process holding the lock.
	Who string `json:"who"`

	// Operation names the operation holding the lock (plan, apply, ...).
	Operation string `json:"operation"`

	// CreatedAt is when the lock was taken.
	CreatedAt time.Time `json:"created_at"`
}

// StateStore persists the state document. Save must be atomic: a partial
// write must never corrupt previously durable state. Lock is advisory and
// exclusive; a second Lock while held fails with a LockConflictError from
// the implementing package.
type StateStore interface {
	// Load reads the current document. A store with no prior state
	// returns an empty document, not an error.
	Load(ctx context.Context) (*Document, error)

	// Save atomically persists the document, incrementing its serial.
	Save(ctx context.Context, doc *Document) error

	// Lock acquires the store's exclusive lock for the duration of a run.
	Lock(ctx context.Context, info LockInfo) error

	// Unlock releases the lock acquired by Lock.
	Unlock(ctx context.Context, id string) error
}

// EventType classifies executor progress events.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventRunCompleted  EventType = "run_completed"
	EventNodeApplying  EventType = "node_applying"
	EventNodeApplied   EventType = "node_applied"
	EventNodeFailed    EventType = "node_failed"
	EventNodeSkipped   EventType = "node_skipped"
	EventNodeRetrying  EventType = "node_retrying"
	EventStateCommit   EventType = "state_commit"
	EventRunCancelling EventType = "run_cancelling"
)

// Event is one executor progress event.
type Event struct {
	// Type classifies the event.
	Type EventType `json:"type"`

	// RunID names the run the event belongs to.
	RunID string `json:"run_id"`

	// Addr is the node address, when node-scoped.
	Addr string `json:"addr,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives executor progress events. Implementations must not
// block; slow sinks drop events rather than stall the run.
type EventSink interface {
	Publish(event Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(Event)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(event Event) { f(event) }
