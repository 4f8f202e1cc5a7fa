// Package host runs out-of-tree providers as sandboxed WASM modules. A
// provider ships a YAML manifest declaring its resource schemas plus a
// module exporting provider_read, provider_create, provider_update, and
// provider_destroy; the host enforces the manifest's capability grants on
// every host function the module can call.
package host

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/loamctl/loam/pkg/engine"
)

// WASMProvider implements engine.Provider by delegating provider calls to
// a sandboxed WASM module.
type WASMProvider struct {
	manifest *Manifest
	schemas  map[string]*engine.ResourceSchema
	runtime  wazero.Runtime
	module   api.Module
	bridge   *bridge
	enforcer *CapabilityEnforcer
}

// Config tunes the WASM host.
type Config struct {
	// Timeout bounds each provider call. Defaults to 30s.
	Timeout time.Duration

	// MemoryLimitPages caps module memory in 64KB pages. Defaults to 256
	// pages (16MB).
	MemoryLimitPages uint32

	// TempDir backs the fs:temp capability. Defaults to os.TempDir().
	TempDir string
}

// NewWASMProvider instantiates the module and wires its host functions.
func NewWASMProvider(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg *Config) (*WASMProvider, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	enforcer := NewCapabilityEnforcer(manifest.Doc.Capabilities, cfg.TempDir)
	if err := enforcer.Validate(); err != nil {
		return nil, err
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder, enforcer)
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate provider module: %w", err)
	}

	b, err := newBridge(module, cfg.Timeout)
	if err != nil {
		_ = module.Close(ctx)
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("bind provider functions: %w", err)
	}

	return &WASMProvider{
		manifest: manifest,
		schemas:  manifest.Schemas(),
		runtime:  runtime,
		module:   module,
		bridge:   b,
		enforcer: enforcer,
	}, nil
}

// registerHostFunctions exposes capability-gated host functions to the
// module under the "env" namespace.
func registerHostFunctions(builder wazero.HostModuleBuilder, enforcer *CapabilityEnforcer) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr, urlLen, methodPtr, methodLen uint32) uint64 {
			urlBytes, ok := mod.Memory().Read(urlPtr, urlLen)
			if !ok {
				return packHostError("read url from memory")
			}
			methodBytes, ok := mod.Memory().Read(methodPtr, methodLen)
			if !ok {
				return packHostError("read method from memory")
			}
			resp, err := enforcer.HTTPRequest(ctx, string(methodBytes), string(urlBytes), nil)
			if err != nil {
				return packHostError(err.Error())
			}
			defer resp.Body.Close()
			return uint64(resp.StatusCode)
		}).
		Export("http_request")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, namePtr, nameLen, dataPtr, dataLen uint32) uint32 {
			nameBytes, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return 1
			}
			dataBytes, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return 1
			}
			if err := enforcer.WriteTempFile(string(nameBytes), dataBytes); err != nil {
				return 1
			}
			return 0
		}).
		Export("write_temp_file")
}

// packHostError packs an error flag and message length into a uint64.
func packHostError(msg string) uint64 {
	return uint64(1)<<32 | uint64(len(msg))
}

// Name returns the provider name from the manifest.
func (p *WASMProvider) Name() string { return p.manifest.Doc.Name }

// Version returns the provider version from the manifest.
func (p *WASMProvider) Version() string { return p.manifest.Doc.Version }

// Schema serves schemas from the manifest; the module is never consulted.
func (p *WASMProvider) Schema(resourceType string) (*engine.ResourceSchema, error) {
	schema, ok := p.schemas[resourceType]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource type %q not declared by provider %s", resourceType, p.Name()), nil)
	}
	return schema, nil
}

// Read delegates to the module's provider_read.
func (p *WASMProvider) Read(ctx context.Context, addr engine.Addr, id string) (engine.Attrs, bool, error) {
	return p.bridge.Read(ctx, addr, id)
}

// Create delegates to the module's provider_create.
func (p *WASMProvider) Create(ctx context.Context, addr engine.Addr, desired engine.Attrs) (engine.Attrs, string, error) {
	return p.bridge.Create(ctx, addr, desired)
}

// Update delegates to the module's provider_update.
func (p *WASMProvider) Update(ctx context.Context, addr engine.Addr, id string, desired engine.Attrs, diff map[string]engine.AttrDiff) (engine.Attrs, error) {
	return p.bridge.Update(ctx, addr, id, desired, diff)
}

// Destroy delegates to the module's provider_destroy.
func (p *WASMProvider) Destroy(ctx context.Context, addr engine.Addr, id string) error {
	return p.bridge.Destroy(ctx, addr, id)
}

// Close tears down the module, runtime, and scratch space.
func (p *WASMProvider) Close(ctx context.Context) error {
	_ = p.enforcer.Cleanup()
	if p.module != nil {
		if err := p.module.Close(ctx); err != nil {
			return fmt.Errorf("close provider module: %w", err)
		}
	}
	if p.runtime != nil {
		if err := p.runtime.Close(ctx); err != nil {
			return fmt.Errorf("close runtime: %w", err)
		}
	}
	return nil
}
