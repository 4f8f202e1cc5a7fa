package host

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/loamctl/loam/pkg/engine"
)

// wireRequest is the JSON request passed into the WASM module.
type wireRequest struct {
	Addr    string                     `json:"addr"`
	ID      string                     `json:"id,omitempty"`
	Desired engine.Attrs               `json:"desired,omitempty"`
	Diff    map[string]engine.AttrDiff `json:"diff,omitempty"`
}

// wireResponse is the JSON response read back from the WASM module.
type wireResponse struct {
	Attrs engine.Attrs `json:"attrs,omitempty"`
	ID    string       `json:"id,omitempty"`
	Found bool         `json:"found,omitempty"`
	Error *wireError   `json:"error,omitempty"`
}

// wireError carries a classified provider error across the WASM boundary.
type wireError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

func (e *wireError) toEngine() *engine.ProviderError {
	switch engine.ErrorClass(e.Class) {
	case engine.ErrorClassTransient:
		return engine.NewTransientError(e.Message, nil)
	case engine.ErrorClassThrottled:
		return engine.NewThrottledError(e.Message, nil)
	case engine.ErrorClassConflict:
		return engine.NewConflictError(e.Message, nil)
	default:
		return engine.NewPermanentError(e.Message, nil)
	}
}

// bridge calls the provider functions a WASM module exports. Calls pass
// JSON through linear memory: the host allocates with the module's malloc,
// writes the request, and the module returns (ptr << 32 | len) pointing at
// the response.
type bridge struct {
	module  api.Module
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	read    api.Function
	create  api.Function
	update  api.Function
	destroy api.Function
	timeout time.Duration
}

func newBridge(module api.Module, timeout time.Duration) (*bridge, error) {
	b := &bridge{module: module, timeout: timeout}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("module does not export memory")
	}

	required := map[string]*api.Function{
		"malloc":           &b.malloc,
		"free":             &b.free,
		"provider_read":    &b.read,
		"provider_create":  &b.create,
		"provider_update":  &b.update,
		"provider_destroy": &b.destroy,
	}
	for name, fn := range required {
		exported := module.ExportedFunction(name)
		if exported == nil {
			return nil, fmt.Errorf("module does not export %s", name)
		}
		*fn = exported
	}
	return b, nil
}

func (b *bridge) Read(ctx context.Context, addr engine.Addr, id string) (engine.Attrs, bool, error) {
	resp, err := b.call(ctx, b.read, &wireRequest{Addr: addr.String(), ID: id})
	if err != nil {
		return nil, false, err
	}
	return resp.Attrs, resp.Found, nil
}

func (b *bridge) Create(ctx context.Context, addr engine.Addr, desired engine.Attrs) (engine.Attrs, string, error) {
	resp, err := b.call(ctx, b.create, &wireRequest{Addr: addr.String(), Desired: desired})
	if err != nil {
		return nil, "", err
	}
	return resp.Attrs, resp.ID, nil
}

func (b *bridge) Update(ctx context.Context, addr engine.Addr, id string, desired engine.Attrs, diff map[string]engine.AttrDiff) (engine.Attrs, error) {
	resp, err := b.call(ctx, b.update, &wireRequest{Addr: addr.String(), ID: id, Desired: desired, Diff: diff})
	if err != nil {
		return nil, err
	}
	return resp.Attrs, nil
}

func (b *bridge) Destroy(ctx context.Context, addr engine.Addr, id string) error {
	_, err := b.call(ctx, b.destroy, &wireRequest{Addr: addr.String(), ID: id})
	return err
}

func (b *bridge) call(ctx context.Context, fn api.Function, req *wireRequest) (*wireResponse, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	output, err := b.rawCall(ctx, fn, input)
	if err != nil {
		return nil, err
	}

	var resp wireResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error.toEngine()
	}
	return &resp, nil
}

// rawCall passes input through linear memory and reads back the packed
// pointer/length result.
func (b *bridge) rawCall(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("write input to module memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("module call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("module call returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("read output from module memory")
	}
	// Copy before freeing; Read returns a view into linear memory.
	result := append([]byte{}, output...)
	_ = b.deallocate(ctx, outputPtr)
	return result, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || results[0] == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	_, err := b.free.Call(ctx, uint64(ptr))
	return err
}
