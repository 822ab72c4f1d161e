package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Enclave/internal/adapter/memory"
	"github.com/Strob0t/Enclave/internal/domain"
	"github.com/Strob0t/Enclave/internal/domain/agent"
	"github.com/Strob0t/Enclave/internal/domain/agreement"
	"github.com/Strob0t/Enclave/internal/sandbox"
)

type agreementEnv struct {
	*testEnv
	agreements *AgreementService
	consumer   *agent.Agent
	provider   *agent.Agent
}

func newAgreementEnv(t *testing.T) *agreementEnv {
	t.Helper()
	e := newTestEnv(t)
	store := memory.NewStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &agreementEnv{
		testEnv:    e,
		agreements: NewAgreementService(e.agents, store, log),
	}
	env.consumer = e.spawn(t, agent.Constraints{CPUFraction: 0.5, MemoryBytes: 4 << 20})
	env.provider = e.spawn(t, agent.Constraints{CPUFraction: 0.5, MemoryBytes: 4 << 20})
	e.attach(t, env.provider.ID, sandbox.EchoManifest())
	return env
}

func (e *agreementEnv) create(t *testing.T, req CreateAgreementRequest) *agreement.Agreement {
	t.Helper()
	if req.ConsumerID == "" {
		req.ConsumerID = e.consumer.ID
	}
	if req.ProviderID == "" {
		req.ProviderID = e.provider.ID
	}
	ag, err := e.agreements.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	return ag
}

func TestCreateAgreementValidation(t *testing.T) {
	e := newAgreementEnv(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	_, err := e.agreements.Create(ctx, CreateAgreementRequest{
		ConsumerID: "ghost", ProviderID: e.provider.ID,
		AllowedOps: []string{"echo"}, CallQuota: 1, CPUMillis: 10, MemoryBytes: 10,
		ExpiresAt: future,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown consumer, got %v", err)
	}

	_, err = e.agreements.Create(ctx, CreateAgreementRequest{
		ConsumerID: e.consumer.ID, ProviderID: e.provider.ID,
		AllowedOps: []string{"echo"}, CallQuota: 0, CPUMillis: 10, MemoryBytes: 10,
		ExpiresAt: future,
	})
	if !errors.Is(err, agreement.ErrInvalidQuota) {
		t.Fatalf("expected ErrInvalidQuota, got %v", err)
	}

	_, err = e.agreements.Create(ctx, CreateAgreementRequest{
		ConsumerID: e.consumer.ID, ProviderID: e.provider.ID,
		AllowedOps: []string{"echo"}, CallQuota: 1, CPUMillis: 10, MemoryBytes: 10,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if !errors.Is(err, agreement.ErrExpiredAtCreation) {
		t.Fatalf("expected ErrExpiredAtCreation, got %v", err)
	}
}

func TestExecuteViaAgreement(t *testing.T) {
	e := newAgreementEnv(t)
	ag := e.create(t, CreateAgreementRequest{
		AllowedOps: []string{"echo"},
		CallQuota:  5, CPUMillis: 1000, MemoryBytes: 1 << 20,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	res, err := e.agreements.ExecuteVia(context.Background(), ag.ID, ExecRequest{Operation: "echo"})
	if err != nil {
		t.Fatalf("execute via: %v", err)
	}
	if res == nil {
		t.Fatal("expected result")
	}

	used, err := e.agreements.GetUsage(context.Background(), ag.ID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used.Calls != 1 {
		t.Fatalf("expected 1 call consumed, got %d", used.Calls)
	}
	// Echo spends nothing, so the reservation was fully refunded.
	if used.CPUMillis != 0 || used.MemoryBytes != 0 {
		t.Fatalf("expected zero resource usage, got %+v", used)
	}
}

func TestExecuteViaDisallowedOperation(t *testing.T) {
	e := newAgreementEnv(t)
	ag := e.create(t, CreateAgreementRequest{
		AllowedOps: []string{"counter.read"},
		CallQuota:  5, CPUMillis: 1000, MemoryBytes: 1 << 20,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	_, err := e.agreements.ExecuteVia(context.Background(), ag.ID, ExecRequest{Operation: "echo"})
	if !errors.Is(err, agreement.ErrOperationNotAllowed) {
		t.Fatalf("expected ErrOperationNotAllowed, got %v", err)
	}
}

func TestExecuteViaExpired(t *testing.T) {
	e := newAgreementEnv(t)
	ag := e.create(t, CreateAgreementRequest{
		AllowedOps: []string{"echo"},
		CallQuota:  5, CPUMillis: 1000, MemoryBytes: 1 << 20,
		ExpiresAt: time.Now().Add(30 * time.Millisecond),
	})

	time.Sleep(50 * time.Millisecond)

	_, err := e.agreements.ExecuteVia(context.Background(), ag.ID, ExecRequest{Operation: "echo"})
	if !errors.Is(err, agreement.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestExecuteViaResourceQuota(t *testing.T) {
	e := newAgreementEnv(t)
	ag := e.create(t, CreateAgreementRequest{
		AllowedOps: []string{"echo"},
		CallQuota:  100, CPUMillis: 50, MemoryBytes: 1 << 20,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	_, err := e.agreements.ExecuteVia(context.Background(), ag.ID, ExecRequest{
		Operation:    "echo",
		EstCPUMillis: 100,
	})
	if !errors.Is(err, agreement.ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted, got %v", err)
	}
}

func TestFailedDelegationRefundsQuota(t *testing.T) {
	e := newAgreementEnv(t)
	// "missing" is allowed by the lease but not provided by the provider.
	ag := e.create(t, CreateAgreementRequest{
		AllowedOps: []string{"missing"},
		CallQuota:  1, CPUMillis: 1000, MemoryBytes: 1 << 20,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	_, err := e.agreements.ExecuteVia(context.Background(), ag.ID, ExecRequest{Operation: "missing"})
	if !errors.Is(err, sandbox.ErrUnknownOperation) {
		t.Fatalf("expected provider-side failure, got %v", err)
	}

	used, _ := e.agreements.GetUsage(context.Background(), ag.ID)
	if used.Calls != 0 {
		t.Fatalf("failed delegation must refund the call unit, got %d", used.Calls)
	}
}

func TestCallQuotaRaceSpendsExactlyOnce(t *testing.T) {
	e := newAgreementEnv(t)
	ag := e.create(t, CreateAgreementRequest{
		AllowedOps: []string{"echo"},
		CallQuota:  1, CPUMillis: 1000, MemoryBytes: 1 << 20,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.agreements.ExecuteVia(context.Background(), ag.ID, ExecRequest{Operation: "echo"})
		}(i)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, agreement.ErrQuotaExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || exhausted != racers-1 {
		t.Fatalf("expected exactly one success, got %d successes, %d exhausted", ok, exhausted)
	}

	used, _ := e.agreements.GetUsage(context.Background(), ag.ID)
	if used.Calls != 1 {
		t.Fatalf("expected 1 call consumed, got %d", used.Calls)
	}
}
