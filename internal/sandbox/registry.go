package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Strob0t/Enclave/internal/domain/plugin"
)

// Handler executes one exported operation. Handlers run inside the isolation
// boundary: their only host surface is the *Call they receive, and they must
// pass Checkpoint at loop boundaries so cancellation and timeouts can land.
type Handler func(ctx context.Context, call *Call) (json.RawMessage, error)

// Registry maps exported operation names to typed handlers. Instances bind
// their manifest operations against it at attach time; no reflection is
// involved in dispatch.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Handler
}

// NewRegistry creates an empty operation registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Handler)}
}

// Register adds a handler under the given operation name.
// Registering a duplicate name is an error.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("operation %q already registered", name)
	}
	r.ops[name] = h
	return nil
}

// lookup returns the handler for an operation name.
func (r *Registry) lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.ops[name]
	return h, ok
}

// Usage is resource consumption measured inside one invocation.
type Usage struct {
	CPUMillis int64 `json:"cpu_millis"`
	MemBytes  int64 `json:"mem_bytes"`
}

// Call is the host surface handed to a handler for a single invocation.
// State reads and writes are capability-gated and buffered: mutations are
// only applied to the agent by the manager's commit step after a successful
// return, never directly by sandboxed code.
type Call struct {
	Operation string
	Params    json.RawMessage

	inst  *Instance
	state map[string]json.RawMessage

	mu        sync.Mutex
	mutations map[string]json.RawMessage
	usage     Usage
}

// State returns the value stored under key in the agent's state store as it
// was when the invocation was admitted, honoring buffered writes from this
// same call. Requires the state-read capability.
func (c *Call) State(key string) (json.RawMessage, bool, error) {
	if err := c.Require(plugin.CapabilityStateRead); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.mutations[key]; ok {
		return v, true, nil
	}
	v, ok := c.state[key]
	return v, ok, nil
}

// SetState buffers a state mutation. Requires the state-write capability.
func (c *Call) SetState(key string, value json.RawMessage) error {
	if err := c.Require(plugin.CapabilityStateWrite); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mutations == nil {
		c.mutations = make(map[string]json.RawMessage)
	}
	c.mutations[key] = value
	return nil
}

// Require checks the instance declared the given capability; every capability
// use inside a handler goes through this explicit allow-check.
func (c *Call) Require(capability plugin.Capability) error {
	if !c.inst.HasCapability(capability) {
		return &ExecError{
			Reason: ReasonCapabilityDenied,
			Op:     c.Operation,
			Err:    fmt.Errorf("capability %q not declared", capability),
		}
	}
	return nil
}

// Consume reports resource usage to the host and enforces the instance's
// lifetime sub-budget. The consumption is recorded before the breach check so
// partial spend up to the failure point stays visible to the ledger.
func (c *Call) Consume(cpuMillis, memBytes int64) error {
	c.mu.Lock()
	c.usage.CPUMillis += cpuMillis
	c.usage.MemBytes += memBytes
	c.mu.Unlock()

	if !c.inst.consume(cpuMillis, memBytes) {
		return &ExecError{
			Reason: ReasonBudgetBreached,
			Op:     c.Operation,
			Err:    fmt.Errorf("sub-budget of module %s exhausted", c.inst.ModuleID),
		}
	}
	return nil
}

// Checkpoint is a safe abort point. Handlers call it at loop boundaries;
// it surfaces cancellation and deadline expiry.
func (c *Call) Checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// snapshot returns the usage and buffered mutations accumulated so far.
// Safe to call while the handler goroutine is still running.
func (c *Call) snapshot() (Usage, map[string]json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	muts := make(map[string]json.RawMessage, len(c.mutations))
	for k, v := range c.mutations {
		muts[k] = v
	}
	return c.usage, muts
}
