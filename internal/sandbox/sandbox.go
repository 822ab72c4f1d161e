// Package sandbox loads signed capability-declared modules and executes
// their exported operations in isolation. A fault inside an invocation —
// panic, capability violation, budget breach, timeout — terminates only that
// invocation and never corrupts the host or other agents' state.
package sandbox

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/Enclave/internal/config"
	"github.com/Strob0t/Enclave/internal/domain/plugin"
	"github.com/Strob0t/Enclave/internal/port/cache"
	"github.com/Strob0t/Enclave/internal/resilience"
)

// ErrUnknownOperation indicates a manifest exports an operation the host
// runtime has no handler for.
var ErrUnknownOperation = errors.New("unknown operation")

// Reason classifies why a sandboxed invocation failed.
type Reason string

const (
	ReasonTrapped          Reason = "trapped"
	ReasonCapabilityDenied Reason = "capability_denied"
	ReasonBudgetBreached   Reason = "budget_breached"
	ReasonTimeout          Reason = "timeout"
)

// ExecError is a contained execution failure inside the sandbox boundary.
type ExecError struct {
	Reason Reason
	Op     string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("plugin execution failed (%s) in %q: %v", e.Reason, e.Op, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// VerifiedModule is a module whose signature and capability declarations
// have been accepted.
type VerifiedModule struct {
	Manifest plugin.Manifest
	Digest   string
}

// Instance is a verified module bound to one agent, with its operations
// resolved against the host registry and its own lifetime sub-budget and
// circuit breaker.
type Instance struct {
	plugin.Instance

	Breaker *resilience.Breaker

	handlers map[string]Handler

	mu   sync.Mutex
	used Usage
}

// consume adds to the instance's lifetime consumption and reports whether it
// still fits the sub-budget.
func (i *Instance) consume(cpuMillis, memBytes int64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.used.CPUMillis += cpuMillis
	i.used.MemBytes += memBytes
	return i.used.CPUMillis <= i.SubBudget.CPUMillis && i.used.MemBytes <= i.SubBudget.MemoryBytes
}

// Used returns the instance's lifetime consumption so far.
func (i *Instance) Used() Usage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.used
}

// Result is the outcome of one sandboxed invocation. Usage is populated even
// on failure, so the manager can commit partial spend up to the fault point.
type Result struct {
	Output    json.RawMessage
	Mutations map[string]json.RawMessage
	Usage     Usage
}

// Sandbox verifies, instantiates, and invokes plugin modules.
type Sandbox struct {
	cfg        config.Sandbox
	breakerCfg config.Breaker
	trust      *TrustStore
	registry   *Registry
	modules    cache.Cache
	sem        *semaphore.Weighted
	cacheTTL   time.Duration
}

// New creates a Sandbox. The cache holds verified manifests keyed by module
// digest and may be nil to disable caching.
func New(cfg config.Sandbox, breakerCfg config.Breaker, trust *TrustStore, registry *Registry, modules cache.Cache, cacheTTL time.Duration) *Sandbox {
	return &Sandbox{
		cfg:        cfg,
		breakerCfg: breakerCfg,
		trust:      trust,
		registry:   registry,
		modules:    modules,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		cacheTTL:   cacheTTL,
	}
}

// digest computes the BLAKE2b-256 digest binding payload, signature, and
// manifest together, used as the verified-module cache key.
func digest(ref *plugin.Ref) (string, error) {
	manifestJSON, err := json.Marshal(ref.Manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write(ref.Payload)
	h.Write(ref.Signature)
	h.Write(manifestJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Load verifies a module reference: detached ed25519 signature over the
// payload against the trust store, then capability declarations. Previously
// verified modules are served from the cache by digest.
func (s *Sandbox) Load(ctx context.Context, ref *plugin.Ref) (*VerifiedModule, error) {
	d, err := digest(ref)
	if err != nil {
		return nil, err
	}

	if s.modules != nil {
		if data, ok, cacheErr := s.modules.Get(ctx, d); cacheErr == nil && ok {
			var m plugin.Manifest
			if err := json.Unmarshal(data, &m); err == nil {
				return &VerifiedModule{Manifest: m, Digest: d}, nil
			}
		}
	}

	if !s.trust.Verify(ref.Payload, ref.Signature) {
		return nil, fmt.Errorf("%w: signature of module %s does not validate", plugin.ErrVerificationFailed, ref.Manifest.ModuleID)
	}
	if err := ref.Manifest.Validate(); err != nil {
		return nil, err
	}

	if s.modules != nil {
		if data, err := json.Marshal(ref.Manifest); err == nil {
			if err := s.modules.Set(ctx, d, data, s.cacheTTL); err != nil {
				slog.Warn("module cache set failed", "digest", d, "error", err)
			}
		}
	}

	return &VerifiedModule{Manifest: ref.Manifest, Digest: d}, nil
}

// Instantiate binds a verified module to an agent: every exported operation
// is resolved to a host handler, the capability set is frozen, and the
// instance gets its sub-budget and circuit breaker.
func (s *Sandbox) Instantiate(agentID string, mod *VerifiedModule, subBudget plugin.SubBudget) (*Instance, error) {
	handlers := make(map[string]Handler, len(mod.Manifest.Operations))
	for _, op := range mod.Manifest.Operations {
		h, ok := s.registry.lookup(op)
		if !ok {
			return nil, fmt.Errorf("%w: %q exported by module %s", ErrUnknownOperation, op, mod.Manifest.ModuleID)
		}
		handlers[op] = h
	}

	return &Instance{
		Instance: plugin.Instance{
			ID:           uuid.New().String(),
			AgentID:      agentID,
			ModuleID:     mod.Manifest.ModuleID,
			Version:      mod.Manifest.Version,
			Capabilities: append([]plugin.Capability(nil), mod.Manifest.Capabilities...),
			Operations:   append([]string(nil), mod.Manifest.Operations...),
			SubBudget:    subBudget,
			Digest:       mod.Digest,
			AttachedAt:   time.Now().UTC(),
		},
		Breaker:  resilience.NewBreaker(s.breakerCfg.MaxFailures, s.breakerCfg.Timeout),
		handlers: handlers,
	}, nil
}

type outcome struct {
	output json.RawMessage
	err    error
}

// Invoke runs one exported operation to completion or failure inside the
// isolation boundary. The handler executes in its own goroutine with panic
// containment and a wall-clock timeout; the returned Result always carries
// the usage measured up to completion, fault, or abort.
func (s *Sandbox) Invoke(ctx context.Context, inst *Instance, op string, params json.RawMessage, state map[string]json.RawMessage) (*Result, error) {
	handler, ok := inst.handlers[op]
	if !ok {
		return &Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return &Result{}, fmt.Errorf("acquire invocation slot: %w", err)
	}
	defer s.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.InvokeTimeout)
	defer cancel()

	call := &Call{
		Operation: op,
		Params:    params,
		inst:      inst,
		state:     state,
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ExecError{
					Reason: ReasonTrapped,
					Op:     op,
					Err:    fmt.Errorf("panic: %v", r),
				}}
			}
		}()
		output, err := handler(cctx, call)
		done <- outcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		usage, mutations := call.snapshot()
		res := &Result{Output: out.output, Mutations: mutations, Usage: usage}
		if out.err != nil {
			res.Mutations = nil
			return res, s.classify(op, out.err)
		}
		return res, nil

	case <-cctx.Done():
		// Best-effort abort: the handler sees cancellation at its next
		// checkpoint. Partial usage up to this point is still reported.
		usage, _ := call.snapshot()
		res := &Result{Usage: usage}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return res, &ExecError{Reason: ReasonTimeout, Op: op, Err: cctx.Err()}
		}
		return res, cctx.Err()
	}
}

// classify maps a handler error onto the sandbox failure taxonomy.
func (s *Sandbox) classify(op string, err error) error {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecError{Reason: ReasonTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ExecError{Reason: ReasonTrapped, Op: op, Err: err}
}
