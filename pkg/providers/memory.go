package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loamctl/loam/pkg/engine"
)

// MemoryProvider keeps its resources in process memory. It backs tests,
// examples, and dry runs against schemas loaded from a manifest, without
// touching any remote API.
type MemoryProvider struct {
	mu      sync.Mutex
	schemas map[string]*engine.ResourceSchema
	objects map[string]engine.Attrs
}

// NewMemoryProvider creates a memory provider serving the given schemas.
func NewMemoryProvider(schemas map[string]*engine.ResourceSchema) *MemoryProvider {
	return &MemoryProvider{
		schemas: schemas,
		objects: make(map[string]engine.Attrs),
	}
}

// Schema returns the attribute schema for a resource type.
func (p *MemoryProvider) Schema(resourceType string) (*engine.ResourceSchema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	schema, ok := p.schemas[resourceType]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource type %q not supported", resourceType), nil)
	}
	return schema, nil
}

// Read returns the stored attributes for id, or found=false.
func (p *MemoryProvider) Read(_ context.Context, _ engine.Addr, id string) (engine.Attrs, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs, ok := p.objects[id]
	if !ok {
		return nil, false, nil
	}
	return attrs.Copy(), true, nil
}

// Create validates required attributes against the schema, assigns an id,
// and fills computed attributes.
func (p *MemoryProvider) Create(_ context.Context, addr engine.Addr, desired engine.Attrs) (engine.Attrs, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	schema, ok := p.schemas[addr.Type]
	if !ok {
		return nil, "", engine.NewPermanentError(
			fmt.Sprintf("resource type %q not supported", addr.Type), nil).WithAddr(addr)
	}
	for name, meta := range schema.Attributes {
		if meta.Required {
			if _, set := desired[name]; !set {
				return nil, "", engine.NewPermanentError(
					fmt.Sprintf("required attribute %q not set", name), nil).
					WithAddr(addr).WithOperation("create")
			}
		}
	}

	id := uuid.New().String()
	attrs := desired.Copy()
	for name, meta := range schema.Attributes {
		if meta.Computed {
			if _, set := attrs[name]; !set {
				attrs[name] = id
			}
		}
	}
	p.objects[id] = attrs
	return attrs.Copy(), id, nil
}

// Update merges the desired attributes into the stored object.
func (p *MemoryProvider) Update(_ context.Context, addr engine.Addr, id string, desired engine.Attrs, _ map[string]engine.AttrDiff) (engine.Attrs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	attrs, ok := p.objects[id]
	if !ok {
		return nil, engine.NewConflictError(
			fmt.Sprintf("object %q does not exist", id), nil).
			WithAddr(addr).WithOperation("update")
	}
	for k, v := range desired {
		attrs[k] = v
	}
	return attrs.Copy(), nil
}

// Destroy removes the object. Destroying an absent object succeeds.
func (p *MemoryProvider) Destroy(_ context.Context, _ engine.Addr, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, id)
	return nil
}

// Len reports how many objects the provider currently holds.
func (p *MemoryProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}
