// Package engine implements the provisioning core: it turns a set of
// declared resource nodes into a dependency graph, diffs the graph against
// the persisted state document, and applies the resulting change set
// through provider adapters.
//
// The workflow is Config -> Graph -> Plan -> Apply -> State:
//
//  1. The graph builder (GraphBuilder) extracts implicit edges from
//     attribute references and explicit depends_on declarations, rejects
//     cycles, and assigns topological levels.
//  2. The planner (Planner) compares desired attributes with the last
//     applied state and produces a ChangeSet of create / update / replace /
//     destroy / no-op actions, honoring provider schema metadata such as
//     forces-replacement.
//  3. The executor (Executor) walks the graph with a bounded worker pool,
//     retries transient provider errors with exponential backoff, commits
//     applied attributes to the state store before releasing dependents,
//     and skips everything downstream of a permanent failure.
//
// Providers are opaque behind the Provider interface; the executor never
// special-cases a provider type.
package engine
