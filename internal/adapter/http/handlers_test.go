package http

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Enclave/internal/adapter/memory"
	"github.com/Strob0t/Enclave/internal/config"
	"github.com/Strob0t/Enclave/internal/domain/agent"
	"github.com/Strob0t/Enclave/internal/domain/plugin"
	"github.com/Strob0t/Enclave/internal/monitor"
	"github.com/Strob0t/Enclave/internal/sandbox"
	"github.com/Strob0t/Enclave/internal/service"
)

type apiEnv struct {
	router chi.Router
	priv   ed25519.PrivateKey
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	cfg := config.Defaults()
	cfg.Sandbox.InvokeTimeout = time.Second

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	trust := sandbox.NewTrustStore()
	trust.Add("test", pub)

	registry := sandbox.NewRegistry()
	if err := sandbox.RegisterBuiltins(registry); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	sbx := sandbox.New(cfg.Sandbox, cfg.Breaker, trust, registry, nil, 0)
	mon := monitor.New(cfg.Monitor)
	store := memory.NewStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	agents := service.NewAgentService(cfg, mon, sbx, store, nil, log)
	agreements := service.NewAgreementService(agents, store, log)

	r := chi.NewRouter()
	MountRoutes(r, NewHandlers(agents, agreements))
	return &apiEnv{router: r, priv: priv}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) spawnAgent(t *testing.T) agent.Agent {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/agents", agent.Constraints{
		CPUFraction: 0.5, MemoryBytes: 4 << 20,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("spawn: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var a agent.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	return a
}

func (e *apiEnv) attachEcho(t *testing.T, agentID string) {
	t.Helper()
	m := sandbox.EchoManifest()
	payload := []byte("module bytes for " + m.ModuleID)
	rec := e.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/plugins", plugin.Ref{
		Manifest:  m,
		Payload:   payload,
		Signature: ed25519.Sign(e.priv, payload),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("attach: expected 201, got %d: %s", rec.Code, rec.Body)
	}
}

func TestSpawnAndGetAgent(t *testing.T) {
	e := newAPIEnv(t)
	a := e.spawnAgent(t)

	rec := e.do(t, http.MethodGet, "/api/v1/agents/"+a.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/agents/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get unknown: expected 404, got %d", rec.Code)
	}
}

func TestSpawnRejectsBadConstraints(t *testing.T) {
	e := newAPIEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/agents", agent.Constraints{
		CPUFraction: 2.0, MemoryBytes: 1 << 20,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body)
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	e := newAPIEnv(t)
	a := e.spawnAgent(t)
	e.attachEcho(t, a.ID)

	rec := e.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", service.ExecRequest{
		Operation: "echo",
		Params:    json.RawMessage(`{"ping":"pong"}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var res service.ExecResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if string(res.Output) != `{"ping":"pong"}` {
		t.Fatalf("unexpected output: %s", res.Output)
	}
}

func TestExecuteMissingOperation(t *testing.T) {
	e := newAPIEnv(t)
	a := e.spawnAgent(t)

	rec := e.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", service.ExecRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAttachRejectsTamperedModule(t *testing.T) {
	e := newAPIEnv(t)
	a := e.spawnAgent(t)

	m := sandbox.EchoManifest()
	rec := e.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/plugins", plugin.Ref{
		Manifest:  m,
		Payload:   []byte("module bytes"),
		Signature: []byte("forged signature, wrong size too"),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body)
	}
}

func TestTerminatedAgentConflicts(t *testing.T) {
	e := newAPIEnv(t)
	a := e.spawnAgent(t)
	e.attachEcho(t, a.ID)

	rec := e.do(t, http.MethodDelete, "/api/v1/agents/"+a.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("terminate: expected 204, got %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", service.ExecRequest{Operation: "echo"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminated agent, got %d: %s", rec.Code, rec.Body)
	}
}

func TestExecuteOverHeadroomReturns429(t *testing.T) {
	e := newAPIEnv(t)
	a := e.spawnAgent(t)
	e.attachEcho(t, a.ID)

	rec := e.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", service.ExecRequest{
		Operation:    "echo",
		EstCPUMillis: 10_000_000,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body)
	}
}

func TestStateRoundTrip(t *testing.T) {
	e := newAPIEnv(t)
	a := e.spawnAgent(t)

	rec := e.do(t, http.MethodPut, "/api/v1/agents/"+a.ID+"/state/greeting", map[string]any{
		"value": "hello",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put state: expected 204, got %d: %s", rec.Code, rec.Body)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/agents/"+a.ID+"/state/greeting", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get state: expected 200, got %d", rec.Code)
	}
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(body.Value) != `"hello"` {
		t.Fatalf("unexpected value: %s", body.Value)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/agents/"+a.ID+"/state/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing key, got %d", rec.Code)
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	e := newAPIEnv(t)
	a := e.spawnAgent(t)

	rec := e.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/snapshots", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("snapshot: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var snap struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/agents/"+a.ID+"/snapshots", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list snapshots: expected 200, got %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/recover", map[string]string{
		"snapshot_id": snap.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("recover: expected 200, got %d: %s", rec.Code, rec.Body)
	}
}

func TestCreateAgreementValidationErrors(t *testing.T) {
	e := newAPIEnv(t)
	consumer := e.spawnAgent(t)
	provider := e.spawnAgent(t)

	// Expiry in the past.
	rec := e.do(t, http.MethodPost, "/api/v1/agreements", service.CreateAgreementRequest{
		ConsumerID: consumer.ID,
		ProviderID: provider.ID,
		AllowedOps: []string{"echo"},
		CallQuota:  1, CPUMillis: 10, MemoryBytes: 10,
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for past expiry, got %d: %s", rec.Code, rec.Body)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/agreements", service.CreateAgreementRequest{
		AllowedOps: []string{"echo"},
		CallQuota:  1, CPUMillis: 10, MemoryBytes: 10,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing ids, got %d", rec.Code)
	}
}

func TestAgreementExecuteFlow(t *testing.T) {
	e := newAPIEnv(t)
	consumer := e.spawnAgent(t)
	provider := e.spawnAgent(t)
	e.attachEcho(t, provider.ID)

	rec := e.do(t, http.MethodPost, "/api/v1/agreements", service.CreateAgreementRequest{
		ConsumerID: consumer.ID,
		ProviderID: provider.ID,
		AllowedOps: []string{"echo"},
		CallQuota:  2, CPUMillis: 1000, MemoryBytes: 1 << 20,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agreement: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var ag struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ag); err != nil {
		t.Fatalf("decode agreement: %v", err)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/agreements/"+ag.ID+"/execute", service.ExecRequest{
		Operation: "echo",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute via: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	// Disallowed op is forbidden.
	rec = e.do(t, http.MethodPost, "/api/v1/agreements/"+ag.ID+"/execute", service.ExecRequest{
		Operation: "counter.read",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body)
	}
}
