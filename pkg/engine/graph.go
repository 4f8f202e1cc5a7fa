package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder builds the immutable dependency DAG from declared resource
// nodes. Edges come from explicit depends_on declarations and from
// implicit attribute references; cycle detection is fatal at build time.
type GraphBuilder struct {
	// registry validates that referenced attributes exist in the target's
	// provider schema. Optional; nil skips attribute-level validation.
	registry ProviderRegistry

	nodes    map[string]*ResourceNode
	forward  map[string][]string // addr -> dependents
	backward map[string][]string // addr -> dependencies
	refs     map[string][]Reference
	inDegree map[string]int
	levels   [][]string
}

// NewGraphBuilder creates a graph builder. registry may be nil.
func NewGraphBuilder(registry ProviderRegistry) *GraphBuilder {
	return &GraphBuilder{
		registry: registry,
		nodes:    make(map[string]*ResourceNode),
		forward:  make(map[string][]string),
		backward: make(map[string][]string),
		refs:     make(map[string][]Reference),
		inDegree: make(map[string]int),
	}
}

// Build constructs the graph, failing with UnresolvedReferenceError or
// CycleError as appropriate.
func (b *GraphBuilder) Build(nodes []ResourceNode) (*Graph, error) {
	if err := b.initialize(nodes); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return b.assemble(), nil
}

func (b *GraphBuilder) initialize(nodes []ResourceNode) error {
	for i := range nodes {
		node := &nodes[i]
		key := node.Addr.String()
		if _, exists := b.nodes[key]; exists {
			return fmt.Errorf("duplicate resource address: %s", key)
		}
		b.nodes[key] = node
		b.forward[key] = nil
		b.backward[key] = nil
		b.inDegree[key] = 0
	}

	for key, node := range b.nodes {
		refs, err := ExtractReferences(node.Attrs)
		if err != nil {
			return err
		}
		b.refs[key] = refs

		seen := make(map[string]bool)
		for _, ref := range refs {
			target := ref.Target.String()
			targetNode, exists := b.nodes[target]
			if !exists {
				return &UnresolvedReferenceError{Referrer: key, Target: ref.String()}
			}
			if err := b.validateRef(targetNode, ref); err != nil {
				return err
			}
			if target == key || seen[target] {
				continue
			}
			seen[target] = true
			b.addEdge(target, key)
		}

		for _, dep := range node.DependsOn {
			target := dep.String()
			if _, exists := b.nodes[target]; !exists {
				return &UnresolvedReferenceError{Referrer: key, Target: target}
			}
			if target == key || seen[target] {
				continue
			}
			seen[target] = true
			b.addEdge(target, key)
		}
	}
	return nil
}

// validateRef checks that a referenced attribute is either configured on
// the target node or declared computed by its provider schema.
func (b *GraphBuilder) validateRef(target *ResourceNode, ref Reference) error {
	if _, ok := target.Attrs[ref.Attr]; ok {
		return nil
	}
	if b.registry == nil {
		return nil
	}
	provider, err := b.registry.Get(target.Provider)
	if err != nil {
		return err
	}
	schema, err := provider.Schema(target.Addr.Type)
	if err != nil {
		return err
	}
	if schema.HasAttr(ref.Attr) {
		return nil
	}
	return &UnresolvedReferenceError{
		Referrer: ref.Target.String(),
		Target:   ref.String(),
	}
}

func (b *GraphBuilder) addEdge(from, to string) {
	b.forward[from] = append(b.forward[from], to)
	b.backward[to] = append(b.backward[to], from)
	b.inDegree[to]++
}

// detectCycles runs DFS over the forward adjacency and reconstructs the
// offending path when a back edge is found.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	keys := b.sortedKeys()
	for _, key := range keys {
		if visited[key] {
			continue
		}
		if cycle := b.visit(key, visited, onStack, nil); cycle != nil {
			return &CycleError{Path: cycle}
		}
	}
	return nil
}

func (b *GraphBuilder) visit(key string, visited, onStack map[string]bool, path []string) []string {
	visited[key] = true
	onStack[key] = true
	path = append(path, key)

	for _, next := range b.forward[key] {
		if !visited[next] {
			if cycle := b.visit(next, visited, onStack, path); cycle != nil {
				return cycle
			}
		} else if onStack[next] {
			start := 0
			for i, p := range path {
				if p == next {
					start = i
					break
				}
			}
			return append(append([]string{}, path[start:]...), next)
		}
	}

	onStack[key] = false
	return nil
}

// computeLevels assigns topological levels with Kahn's algorithm. Nodes at
// the same level share no path and may execute concurrently.
func (b *GraphBuilder) computeLevels() error {
	degree := make(map[string]int, len(b.inDegree))
	for k, d := range b.inDegree {
		degree[k] = d
	}

	var current []string
	for _, key := range b.sortedKeys() {
		if degree[key] == 0 {
			current = append(current, key)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []string
		for _, key := range current {
			for _, dep := range b.forward[key] {
				degree[dep]--
				if degree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	// Unreachable if cycle detection ran first.
	if processed != len(b.nodes) {
		return fmt.Errorf("topological sort left %d unprocessed nodes", len(b.nodes)-processed)
	}
	return nil
}

func (b *GraphBuilder) assemble() *Graph {
	graph := &Graph{
		Nodes: make(map[string]*GraphNode, len(b.nodes)),
		Depth: len(b.levels),
	}

	for level, keys := range b.levels {
		for _, key := range keys {
			node := &GraphNode{
				Addr:         b.nodes[key].Addr,
				Resource:     b.nodes[key],
				Level:        level,
				Dependencies: b.backward[key],
				Dependents:   b.forward[key],
				References:   b.refs[key],
			}
			graph.Nodes[key] = node
			if level == 0 {
				graph.Roots = append(graph.Roots, key)
			}
		}
	}

	for to, froms := range b.backward {
		for _, from := range froms {
			graph.Edges = append(graph.Edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(graph.Edges, func(i, j int) bool {
		if graph.Edges[i].From != graph.Edges[j].From {
			return graph.Edges[i].From < graph.Edges[j].From
		}
		return graph.Edges[i].To < graph.Edges[j].To
	})
	sort.Strings(graph.Roots)
	return graph
}

func (b *GraphBuilder) sortedKeys() []string {
	keys := make([]string, 0, len(b.nodes))
	for k := range b.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TopoOrder returns every address in topological order, level by level.
func (g *Graph) TopoOrder() []string {
	order := make([]string, 0, len(g.Nodes))
	byLevel := make(map[int][]string)
	for key, node := range g.Nodes {
		byLevel[node.Level] = append(byLevel[node.Level], key)
	}
	for level := 0; level < g.Depth; level++ {
		keys := byLevel[level]
		sort.Strings(keys)
		order = append(order, keys...)
	}
	return order
}

// ReverseTopoOrder returns addresses in reverse topological order, the
// order destroys execute in.
func (g *Graph) ReverseTopoOrder() []string {
	order := g.TopoOrder()
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// ToDOT renders the graph in Graphviz DOT format, grouped by level.
func (g *Graph) ToDOT(cs *ChangeSet) string {
	var sb strings.Builder
	sb.WriteString("digraph resources {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	byLevel := make(map[int][]string)
	for key, node := range g.Nodes {
		byLevel[node.Level] = append(byLevel[node.Level], key)
	}
	for level := 0; level < g.Depth; level++ {
		keys := byLevel[level]
		sort.Strings(keys)
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, key := range keys {
			label := key
			if cs != nil {
				if change := cs.ByAddr(g.Nodes[key].Addr); change != nil {
					label = fmt.Sprintf("%s %s", change.Action.Symbol(), key)
				}
			}
			fmt.Fprintf(&sb, "    %q [label=%q];\n", key, label)
		}
		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.Edges {
		fmt.Fprintf(&sb, "  %q -> %q;\n", edge.From, edge.To)
	}
	sb.WriteString("}\n")
	return sb.String()
}
