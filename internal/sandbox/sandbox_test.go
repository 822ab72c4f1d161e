package sandbox

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/Enclave/internal/config"
	"github.com/Strob0t/Enclave/internal/domain/plugin"
)

func testSandbox(t *testing.T) (*Sandbox, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	trust := NewTrustStore()
	trust.Add("test", pub)

	registry := NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	if err := registry.Register("explode", func(context.Context, *Call) (json.RawMessage, error) {
		panic("boom")
	}); err != nil {
		t.Fatalf("register explode: %v", err)
	}

	cfg := config.Sandbox{
		InvokeTimeout: time.Second,
		MaxConcurrent: 4,
	}
	breakerCfg := config.Breaker{MaxFailures: 5, Timeout: time.Second}
	return New(cfg, breakerCfg, trust, registry, nil, 0), priv
}

func signedRef(priv ed25519.PrivateKey, manifest plugin.Manifest) *plugin.Ref {
	payload := []byte("module bytes for " + manifest.ModuleID)
	return &plugin.Ref{
		Manifest:  manifest,
		Payload:   payload,
		Signature: ed25519.Sign(priv, payload),
	}
}

func TestLoadAcceptsSignedModule(t *testing.T) {
	s, priv := testSandbox(t)

	mod, err := s.Load(context.Background(), signedRef(priv, EchoManifest()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if mod.Manifest.ModuleID != "echo" {
		t.Fatalf("unexpected module: %+v", mod.Manifest)
	}
	if mod.Digest == "" {
		t.Fatal("expected non-empty digest")
	}
}

func TestLoadRejectsTamperedPayload(t *testing.T) {
	s, priv := testSandbox(t)

	ref := signedRef(priv, EchoManifest())
	ref.Payload = append(ref.Payload, 'x')

	_, err := s.Load(context.Background(), ref)
	if !errors.Is(err, plugin.ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestLoadRejectsUnknownCapability(t *testing.T) {
	s, priv := testSandbox(t)

	m := EchoManifest()
	m.Capabilities = []plugin.Capability{"time-travel"}

	_, err := s.Load(context.Background(), signedRef(priv, m))
	if !errors.Is(err, plugin.ErrInvalidCapability) {
		t.Fatalf("expected ErrInvalidCapability, got %v", err)
	}
}

func TestInstantiateRejectsUnknownOperation(t *testing.T) {
	s, priv := testSandbox(t)

	m := EchoManifest()
	m.Operations = []string{"echo", "levitate"}

	mod, err := s.Load(context.Background(), signedRef(priv, m))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err = s.Instantiate("agent-1", mod, m.SubBudget)
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func mustInstance(t *testing.T, s *Sandbox, priv ed25519.PrivateKey, m plugin.Manifest) *Instance {
	t.Helper()
	mod, err := s.Load(context.Background(), signedRef(priv, m))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	inst, err := s.Instantiate("agent-1", mod, m.SubBudget)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return inst
}

func TestInvokeEcho(t *testing.T) {
	s, priv := testSandbox(t)
	inst := mustInstance(t, s, priv, EchoManifest())

	params := json.RawMessage(`{"hello":"world"}`)
	res, err := s.Invoke(context.Background(), inst, "echo", params, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(res.Output) != `{"hello":"world"}` {
		t.Fatalf("unexpected output: %s", res.Output)
	}
	if res.Usage.CPUMillis != 0 || res.Usage.MemBytes != 0 {
		t.Fatalf("echo must not consume resources: %+v", res.Usage)
	}
}

func TestInvokeBuffersMutations(t *testing.T) {
	s, priv := testSandbox(t)
	inst := mustInstance(t, s, priv, CounterManifest())

	state := map[string]json.RawMessage{"counter": json.RawMessage(`41`)}
	res, err := s.Invoke(context.Background(), inst, "counter.increment", nil, state)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if string(res.Mutations["counter"]) != "42" {
		t.Fatalf("expected buffered mutation 42, got %s", res.Mutations["counter"])
	}
	// The invocation state view is never written through.
	if string(state["counter"]) != "41" {
		t.Fatalf("handler wrote through to host state: %s", state["counter"])
	}
}

func TestInvokeCapabilityDenied(t *testing.T) {
	s, priv := testSandbox(t)

	// Counter operations without the state capabilities declared.
	m := CounterManifest()
	m.ModuleID = "counter-nocaps"
	m.Capabilities = nil
	inst := mustInstance(t, s, priv, m)

	_, err := s.Invoke(context.Background(), inst, "counter.increment", nil, nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Reason != ReasonCapabilityDenied {
		t.Fatalf("expected capability_denied, got %v", err)
	}
}

func TestInvokeTrapsPanic(t *testing.T) {
	s, priv := testSandbox(t)

	m := plugin.Manifest{
		ModuleID:   "bomb",
		Version:    "1.0.0",
		Operations: []string{"explode"},
		SubBudget:  plugin.SubBudget{CPUMillis: 100, MemoryBytes: 1 << 20},
	}
	inst := mustInstance(t, s, priv, m)

	_, err := s.Invoke(context.Background(), inst, "explode", nil, nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Reason != ReasonTrapped {
		t.Fatalf("expected trapped, got %v", err)
	}

	// The fault is contained: the same sandbox keeps serving other instances.
	echo := mustInstance(t, s, priv, EchoManifest())
	if _, err := s.Invoke(context.Background(), echo, "echo", nil, nil); err != nil {
		t.Fatalf("sandbox unusable after trap: %v", err)
	}
}

func TestInvokeBudgetBreachReportsPartialUsage(t *testing.T) {
	s, priv := testSandbox(t)

	m := plugin.Manifest{
		ModuleID:   "alloc",
		Version:    "1.0.0",
		Operations: []string{"alloc"},
		SubBudget:  plugin.SubBudget{CPUMillis: 10, MemoryBytes: 100},
	}
	inst := mustInstance(t, s, priv, m)

	res, err := s.Invoke(context.Background(), inst, "alloc",
		json.RawMessage(`{"cpu_millis":50,"mem_bytes":10}`), nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Reason != ReasonBudgetBreached {
		t.Fatalf("expected budget_breached, got %v", err)
	}
	// Spend up to the fault point stays visible for ledger reconciliation.
	if res.Usage.CPUMillis != 50 {
		t.Fatalf("expected partial usage 50, got %d", res.Usage.CPUMillis)
	}
	if res.Mutations != nil {
		t.Fatal("failed invocation must not surface mutations")
	}
}

func TestInvokeTimeout(t *testing.T) {
	pubTrust := NewTrustStore()
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	pubTrust.Add("test", pub)

	registry := NewRegistry()
	if err := RegisterBuiltins(registry); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	cfg := config.Sandbox{InvokeTimeout: 30 * time.Millisecond, MaxConcurrent: 4}
	s := New(cfg, config.Breaker{MaxFailures: 5, Timeout: time.Second}, pubTrust, registry, nil, 0)

	m := plugin.Manifest{
		ModuleID:   "sleeper",
		Version:    "1.0.0",
		Operations: []string{"sleep"},
		SubBudget:  plugin.SubBudget{CPUMillis: 10_000, MemoryBytes: 1 << 20},
	}
	inst := mustInstance(t, s, priv, m)

	_, err := s.Invoke(context.Background(), inst, "sleep",
		json.RawMessage(`{"millis":5000}`), nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Reason != ReasonTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestInvokeCancelReportsPartialUsage(t *testing.T) {
	s, priv := testSandbox(t)

	m := plugin.Manifest{
		ModuleID:   "sleeper",
		Version:    "1.0.0",
		Operations: []string{"sleep"},
		SubBudget:  plugin.SubBudget{CPUMillis: 10_000, MemoryBytes: 1 << 20},
	}
	inst := mustInstance(t, s, priv, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := time.AfterFunc(30*time.Millisecond, cancel)
	defer timer.Stop()

	res, err := s.Invoke(ctx, inst, "sleep", json.RawMessage(`{"millis":5000}`), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Slices slept before the abort stay on the usage report.
	if res.Usage.CPUMillis <= 0 {
		t.Fatal("expected partial usage reported after abort")
	}
}

func TestInvokeUnknownOperation(t *testing.T) {
	s, priv := testSandbox(t)
	inst := mustInstance(t, s, priv, EchoManifest())

	_, err := s.Invoke(context.Background(), inst, "not-exported", nil, nil)
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestInstanceSubBudgetAccumulatesAcrossInvocations(t *testing.T) {
	s, priv := testSandbox(t)

	m := plugin.Manifest{
		ModuleID:   "alloc",
		Version:    "1.0.0",
		Operations: []string{"alloc"},
		SubBudget:  plugin.SubBudget{CPUMillis: 100, MemoryBytes: 1 << 20},
	}
	inst := mustInstance(t, s, priv, m)

	for i := 0; i < 2; i++ {
		if _, err := s.Invoke(context.Background(), inst, "alloc",
			json.RawMessage(`{"cpu_millis":40}`), nil); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}

	// Third call pushes lifetime consumption to 120 of 100.
	_, err := s.Invoke(context.Background(), inst, "alloc",
		json.RawMessage(`{"cpu_millis":40}`), nil)
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Reason != ReasonBudgetBreached {
		t.Fatalf("expected lifetime budget breach, got %v", err)
	}
}
