package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeProvider is an in-memory provider used across the package tests. It
// records call order and can be primed with per-operation failures.
type fakeProvider struct {
	mu      sync.Mutex
	schemas map[string]*ResourceSchema

	objects map[string]Attrs
	nextID  int

	creates  []string
	updates  []string
	destroys []string
	calls    []string

	// failures queues errors per "op addr" key; each call pops one.
	failures map[string][]error

	delay time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		schemas: map[string]*ResourceSchema{
			"compute.network": {
				Type: "compute.network",
				Attributes: map[string]AttrSchema{
					"cidr": {Type: "string", Required: true, ForcesReplacement: true},
					"name": {Type: "string", Updatable: true},
					"id":   {Type: "string", Computed: true},
				},
			},
			"compute.subnet": {
				Type: "compute.subnet",
				Attributes: map[string]AttrSchema{
					"network_id": {Type: "string", Required: true, Updatable: true},
					"cidr":       {Type: "string", Required: true, ForcesReplacement: true},
					"zone":       {Type: "string"},
					"id":         {Type: "string", Computed: true},
				},
			},
			"container.cluster": {
				Type: "container.cluster",
				Attributes: map[string]AttrSchema{
					"subnet_id": {Type: "string", Required: true, Updatable: true},
					"version":   {Type: "string", Updatable: true},
					"id":        {Type: "string", Computed: true},
				},
			},
		},
		objects:  make(map[string]Attrs),
		failures: make(map[string][]error),
	}
}

func (p *fakeProvider) failNext(op, addr string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := op + " " + addr
	p.failures[key] = append(p.failures[key], err)
}

func (p *fakeProvider) popFailure(op, addr string) error {
	key := op + " " + addr
	queue := p.failures[key]
	if len(queue) == 0 {
		return nil
	}
	p.failures[key] = queue[1:]
	return queue[0]
}

func (p *fakeProvider) Schema(resourceType string) (*ResourceSchema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	schema, ok := p.schemas[resourceType]
	if !ok {
		return nil, fmt.Errorf("unknown resource type %q", resourceType)
	}
	return schema, nil
}

func (p *fakeProvider) Read(_ context.Context, _ Addr, id string) (Attrs, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs, ok := p.objects[id]
	if !ok {
		return nil, false, nil
	}
	return attrs.Copy(), true, nil
}

func (p *fakeProvider) Create(_ context.Context, addr Addr, desired Attrs) (Attrs, string, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := addr.String()
	if err := p.popFailure("create", key); err != nil {
		return nil, "", err
	}
	p.nextID++
	id := fmt.Sprintf("%s-%d", addr.Type, p.nextID)
	attrs := desired.Copy()
	if schema, ok := p.schemas[addr.Type]; ok {
		for name, meta := range schema.Attributes {
			if meta.Computed {
				if _, set := attrs[name]; !set {
					attrs[name] = id
				}
			}
		}
	}
	p.objects[id] = attrs
	p.creates = append(p.creates, key)
	p.calls = append(p.calls, "create "+key)
	return attrs.Copy(), id, nil
}

func (p *fakeProvider) Update(_ context.Context, addr Addr, id string, desired Attrs, _ map[string]AttrDiff) (Attrs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := addr.String()
	if err := p.popFailure("update", key); err != nil {
		return nil, err
	}
	attrs, ok := p.objects[id]
	if !ok {
		return nil, NewPermanentError("no such object", nil).WithAddr(addr)
	}
	for k, v := range desired {
		attrs[k] = v
	}
	p.updates = append(p.updates, key)
	p.calls = append(p.calls, "update "+key)
	return attrs.Copy(), nil
}

func (p *fakeProvider) Destroy(_ context.Context, addr Addr, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := addr.String()
	if err := p.popFailure("destroy", key); err != nil {
		return err
	}
	delete(p.objects, id)
	p.destroys = append(p.destroys, key)
	p.calls = append(p.calls, "destroy "+key)
	return nil
}

func (p *fakeProvider) callOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.calls...)
}

// fakeRegistry serves one provider under any number of names.
type fakeRegistry struct {
	providers map[string]Provider
}

func newFakeRegistry(provider Provider) *fakeRegistry {
	return &fakeRegistry{providers: map[string]Provider{"mem": provider}}
}

func (r *fakeRegistry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

func (r *fakeRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// memStore keeps the document in memory and counts saves.
type memStore struct {
	mu     sync.Mutex
	doc    *Document
	saves  int
	locked *LockInfo
}

func (s *memStore) Load(context.Context) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		s.doc = NewDocument()
	}
	return s.doc, nil
}

func (s *memStore) Save(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Serial++
	s.doc = doc
	s.saves++
	return nil
}

func (s *memStore) Lock(_ context.Context, info LockInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked != nil {
		return fmt.Errorf("state locked by %s since %s", s.locked.Who, s.locked.CreatedAt)
	}
	s.locked = &info
	return nil
}

func (s *memStore) Unlock(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked == nil || s.locked.ID != id {
		return fmt.Errorf("lock %s not held", id)
	}
	s.locked = nil
	return nil
}

func node(typ, name, provider string, attrs Attrs) ResourceNode {
	return ResourceNode{
		Addr:     Addr{Type: typ, Name: name},
		Provider: provider,
		Attrs:    attrs,
	}
}

func mustBuild(nodes []ResourceNode, registry ProviderRegistry) *Graph {
	graph, err := NewGraphBuilder(registry).Build(nodes)
	if err != nil {
		panic(err)
	}
	return graph
}
