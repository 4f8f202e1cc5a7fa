// Package providers contains the provider adapters the engine provisions
// resources through: the registry resolving provider names, an in-memory
// provider for tests and local experimentation, and (in the host
// subpackage) a sandboxed WASM host for out-of-tree providers.
package providers
