package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/Enclave/internal/domain/plugin"
)

// RegisterBuiltins installs the host-provided operations shipped with the
// runtime: echo, counter manipulation, a cooperative sleep, and an allocator
// that reports configurable usage. Module manifests reference these by name.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Handler{
		"echo":              handleEcho,
		"counter.increment": handleCounterIncrement,
		"counter.read":      handleCounterRead,
		"sleep":             handleSleep,
		"alloc":             handleAlloc,
	}
	for name, h := range builtins {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// EchoManifest describes the echo module: one stateless operation, no
// capabilities, minimal sub-budget.
func EchoManifest() plugin.Manifest {
	return plugin.Manifest{
		ModuleID:   "echo",
		Version:    "1.0.0",
		Operations: []string{"echo"},
		SubBudget:  plugin.SubBudget{CPUMillis: 1000, MemoryBytes: 1 << 20},
	}
}

// CounterManifest describes the counter module, which exercises the
// state-read/state-write capability gates.
func CounterManifest() plugin.Manifest {
	return plugin.Manifest{
		ModuleID: "counter",
		Version:  "1.0.0",
		Capabilities: []plugin.Capability{
			plugin.CapabilityStateRead,
			plugin.CapabilityStateWrite,
		},
		Operations: []string{"counter.increment", "counter.read"},
		SubBudget:  plugin.SubBudget{CPUMillis: 1000, MemoryBytes: 1 << 20},
	}
}

// handleEcho returns its params unchanged without consuming resources.
func handleEcho(_ context.Context, call *Call) (json.RawMessage, error) {
	if len(call.Params) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return call.Params, nil
}

// handleCounterIncrement adds delta (default 1) to the "counter" state key.
func handleCounterIncrement(_ context.Context, call *Call) (json.RawMessage, error) {
	var req struct {
		Delta *int64 `json:"delta"`
	}
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &req); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
	}
	delta := int64(1)
	if req.Delta != nil {
		delta = *req.Delta
	}

	current, err := readCounter(call)
	if err != nil {
		return nil, err
	}

	next := current + delta
	encoded, _ := json.Marshal(next)
	if err := call.SetState("counter", encoded); err != nil {
		return nil, err
	}
	if err := call.Consume(1, 0); err != nil {
		return nil, err
	}

	return json.RawMessage(fmt.Sprintf(`{"counter":%d}`, next)), nil
}

// handleCounterRead returns the current "counter" state value.
func handleCounterRead(_ context.Context, call *Call) (json.RawMessage, error) {
	current, err := readCounter(call)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"counter":%d}`, current)), nil
}

func readCounter(call *Call) (int64, error) {
	raw, ok, err := call.State("counter")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var current int64
	if err := json.Unmarshal(raw, &current); err != nil {
		return 0, fmt.Errorf("counter state is not a number: %w", err)
	}
	return current, nil
}

// handleSleep waits for the requested duration in small slices, passing a
// checkpoint between them so cancellation and timeouts land promptly.
func handleSleep(ctx context.Context, call *Call) (json.RawMessage, error) {
	var req struct {
		Millis int64 `json:"millis"`
	}
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &req); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
	}

	remaining := time.Duration(req.Millis) * time.Millisecond
	const slice = 5 * time.Millisecond
	for remaining > 0 {
		if err := call.Checkpoint(ctx); err != nil {
			return nil, err
		}
		d := min(remaining, slice)
		time.Sleep(d)
		// Consume per slice so an abort mid-sleep still reports the time
		// actually spent.
		if err := call.Consume(d.Milliseconds(), 0); err != nil {
			return nil, err
		}
		remaining -= d
	}

	return json.RawMessage(`{"slept":true}`), nil
}

// handleAlloc consumes the cpu/memory amounts named in its params. Used to
// exercise budget accounting end to end.
func handleAlloc(_ context.Context, call *Call) (json.RawMessage, error) {
	var req struct {
		CPUMillis int64 `json:"cpu_millis"`
		MemBytes  int64 `json:"mem_bytes"`
	}
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &req); err != nil {
			return nil, fmt.Errorf("parse params: %w", err)
		}
	}
	if err := call.Consume(req.CPUMillis, req.MemBytes); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"ok":true}`), nil
}
