package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Enclave/internal/adapter/otel"
	"github.com/Strob0t/Enclave/internal/adapter/ws"
	"github.com/Strob0t/Enclave/internal/domain"
	"github.com/Strob0t/Enclave/internal/domain/agreement"
	"github.com/Strob0t/Enclave/internal/domain/plugin"
	"github.com/Strob0t/Enclave/internal/port/broadcast"
	"github.com/Strob0t/Enclave/internal/port/database"
	"github.com/Strob0t/Enclave/internal/port/messagequeue"
)

// managedAgreement pairs the agreement record with a reservation mutex.
// Quota is reserved under the mutex before the call is delegated, so two
// racing calls can never both spend the last unit.
type managedAgreement struct {
	mu  sync.Mutex
	rec agreement.Agreement
}

// CreateAgreementRequest carries the parameters of a new lease.
type CreateAgreementRequest struct {
	ConsumerID  string    `json:"consumer_id"`
	ProviderID  string    `json:"provider_id"`
	AllowedOps  []string  `json:"allowed_ops"`
	CallQuota   int64     `json:"call_quota"`
	CPUMillis   int64     `json:"cpu_millis"`
	MemoryBytes int64     `json:"memory_bytes"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AgreementService manages quota-bounded leases between agents. Exhausted
// and expired agreements are retained for audit, never deleted.
type AgreementService struct {
	agents *AgentService
	store  database.Store
	log    *slog.Logger

	queue messagequeue.Queue
	hub   broadcast.Broadcaster

	mu         sync.RWMutex
	agreements map[string]*managedAgreement
}

// NewAgreementService creates the agreement manager on top of the agent
// manager it delegates calls through.
func NewAgreementService(agents *AgentService, store database.Store, log *slog.Logger) *AgreementService {
	return &AgreementService{
		agents:     agents,
		store:      store,
		log:        log,
		agreements: make(map[string]*managedAgreement),
	}
}

// SetQueue wires the message queue for agreement events.
func (s *AgreementService) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetBroadcaster wires the WebSocket broadcaster.
func (s *AgreementService) SetBroadcaster(b broadcast.Broadcaster) { s.hub = b }

// Create validates and registers a new agreement between two live agents and
// records it for audit.
func (s *AgreementService) Create(ctx context.Context, req CreateAgreementRequest) (*agreement.Agreement, error) {
	if _, err := s.agents.Get(ctx, req.ConsumerID); err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if _, err := s.agents.Get(ctx, req.ProviderID); err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	if req.CallQuota <= 0 || req.CPUMillis <= 0 || req.MemoryBytes <= 0 {
		return nil, fmt.Errorf("%w: call and resource quotas must be positive", agreement.ErrInvalidQuota)
	}
	if len(req.AllowedOps) == 0 {
		return nil, fmt.Errorf("%w: allowed operation set is empty", agreement.ErrInvalidQuota)
	}
	now := time.Now().UTC()
	if !req.ExpiresAt.After(now) {
		return nil, agreement.ErrExpiredAtCreation
	}

	ma := &managedAgreement{
		rec: agreement.Agreement{
			ID:            uuid.New().String(),
			ConsumerID:    req.ConsumerID,
			ProviderID:    req.ProviderID,
			AllowedOps:    append([]string(nil), req.AllowedOps...),
			CallQuota:     req.CallQuota,
			ResourceQuota: plugin.SubBudget{CPUMillis: req.CPUMillis, MemoryBytes: req.MemoryBytes},
			ExpiresAt:     req.ExpiresAt,
			CreatedAt:     now,
		},
	}

	s.mu.Lock()
	s.agreements[ma.rec.ID] = ma
	s.mu.Unlock()

	if err := s.store.InsertAgreement(ctx, &ma.rec); err != nil {
		return nil, fmt.Errorf("record agreement: %w", err)
	}

	s.log.Info("agreement created", "agreement_id", ma.rec.ID,
		"consumer_id", req.ConsumerID, "provider_id", req.ProviderID,
		"call_quota", req.CallQuota)
	event := ws.AgreementEvent{
		AgreementID: ma.rec.ID,
		ConsumerID:  req.ConsumerID,
		ProviderID:  req.ProviderID,
	}
	s.publish(ctx, messagequeue.SubjectAgreementCreated, event)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventAgreement, event)
	}

	rec := ma.rec
	return &rec, nil
}

// ExecuteVia invokes an operation on the provider agent under the agreement's
// quotas. One call unit plus the cost estimate is reserved before delegation
// and refunded if the provider-side execution fails; actual resource usage is
// reconciled into the agreement on success.
func (s *AgreementService) ExecuteVia(ctx context.Context, agreementID string, req ExecRequest) (*ExecResult, error) {
	ma, err := s.lookup(agreementID)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartAgreementSpan(ctx, agreementID, req.Operation)
	defer span.End()

	estCPU, estMem := req.EstCPUMillis, req.EstMemBytes
	if estCPU <= 0 {
		estCPU = s.agents.monCfg.DefaultEstCPU
	}
	if estMem <= 0 {
		estMem = s.agents.monCfg.DefaultEstMem
	}

	ma.mu.Lock()
	if ma.rec.Expired(time.Now().UTC()) {
		ma.mu.Unlock()
		return nil, fmt.Errorf("agreement %s: %w", agreementID, agreement.ErrExpired)
	}
	if !ma.rec.Allows(req.Operation) {
		ma.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", agreement.ErrOperationNotAllowed, req.Operation)
	}
	if ma.rec.Used.Calls+1 > ma.rec.CallQuota ||
		ma.rec.Used.CPUMillis+estCPU > ma.rec.ResourceQuota.CPUMillis ||
		ma.rec.Used.MemoryBytes+estMem > ma.rec.ResourceQuota.MemoryBytes {
		ma.mu.Unlock()
		return nil, fmt.Errorf("agreement %s: %w", agreementID, agreement.ErrQuotaExhausted)
	}
	ma.rec.Used.Calls++
	ma.rec.Used.CPUMillis += estCPU
	ma.rec.Used.MemoryBytes += estMem
	providerID := ma.rec.ProviderID
	ma.mu.Unlock()

	res, execErr := s.agents.Execute(ctx, providerID, req)

	ma.mu.Lock()
	// Replace the reservation with actual spend, or refund it entirely on
	// failure. Failed delegations do not consume the call quota.
	ma.rec.Used.CPUMillis -= estCPU
	ma.rec.Used.MemoryBytes -= estMem
	if execErr != nil {
		ma.rec.Used.Calls--
	} else {
		ma.rec.Used.CPUMillis += res.Usage.CPUMillis
		ma.rec.Used.MemoryBytes += res.Usage.MemBytes
	}
	used := ma.rec.Used
	consumerID := ma.rec.ConsumerID
	ma.mu.Unlock()

	if execErr != nil {
		return nil, execErr
	}

	if err := s.store.UpdateAgreementUsage(ctx, agreementID, used); err != nil {
		s.log.Warn("agreement usage persist failed", "agreement_id", agreementID, "error", err)
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventAgreement, ws.AgreementEvent{
			AgreementID: agreementID,
			ConsumerID:  consumerID,
			ProviderID:  providerID,
			Calls:       used.Calls,
		})
	}
	return res, nil
}

// Get returns a copy of the agreement.
func (s *AgreementService) Get(ctx context.Context, agreementID string) (*agreement.Agreement, error) {
	ma, err := s.lookup(agreementID)
	if err != nil {
		return nil, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	rec := ma.rec
	rec.AllowedOps = append([]string(nil), ma.rec.AllowedOps...)
	return &rec, nil
}

// GetUsage returns the agreement's current usage counters.
func (s *AgreementService) GetUsage(ctx context.Context, agreementID string) (agreement.Usage, error) {
	ma, err := s.lookup(agreementID)
	if err != nil {
		return agreement.Usage{}, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.rec.Used, nil
}

// List returns copies of all agreements, including expired and exhausted ones.
func (s *AgreementService) List(ctx context.Context) []agreement.Agreement {
	s.mu.RLock()
	managed := make([]*managedAgreement, 0, len(s.agreements))
	for _, ma := range s.agreements {
		managed = append(managed, ma)
	}
	s.mu.RUnlock()

	out := make([]agreement.Agreement, 0, len(managed))
	for _, ma := range managed {
		ma.mu.Lock()
		rec := ma.rec
		rec.AllowedOps = append([]string(nil), ma.rec.AllowedOps...)
		ma.mu.Unlock()
		out = append(out, rec)
	}
	return out
}

func (s *AgreementService) lookup(agreementID string) (*managedAgreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ma, ok := s.agreements[agreementID]
	if !ok {
		return nil, fmt.Errorf("%w: agreement %s", domain.ErrNotFound, agreementID)
	}
	return ma, nil
}

func (s *AgreementService) publish(ctx context.Context, subject string, payload any) {
	s.agents.publish(ctx, subject, payload)
}
