// Package memory implements the database port in process memory. It backs
// tests and single-node deployments that run without PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Strob0t/Enclave/internal/domain"
	"github.com/Strob0t/Enclave/internal/domain/agreement"
	"github.com/Strob0t/Enclave/internal/domain/snapshot"
)

// Store implements database.Store with in-memory maps.
type Store struct {
	mu         sync.RWMutex
	snapshots  map[string]snapshot.Snapshot
	agreements map[string]agreement.Agreement
	order      []string // agreement insertion order
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		snapshots:  make(map[string]snapshot.Snapshot),
		agreements: make(map[string]agreement.Agreement),
	}
}

func (s *Store) SaveSnapshot(_ context.Context, snap *snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ID] = snap.Clone()
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, id string) (*snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("get snapshot %s: %w", id, domain.ErrNotFound)
	}
	cp := snap.Clone()
	return &cp, nil
}

func (s *Store) ListSnapshots(_ context.Context, agentID string) ([]snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snaps []snapshot.Snapshot
	for _, snap := range s.snapshots {
		if snap.AgentID == agentID {
			snaps = append(snaps, snap.Clone())
		}
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

func (s *Store) DeleteSnapshot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[id]; !ok {
		return fmt.Errorf("delete snapshot %s: %w", id, domain.ErrNotFound)
	}
	delete(s.snapshots, id)
	return nil
}

func (s *Store) InsertAgreement(_ context.Context, ag *agreement.Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agreements[ag.ID] = *ag
	s.order = append(s.order, ag.ID)
	return nil
}

func (s *Store) UpdateAgreementUsage(_ context.Context, id string, used agreement.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ag, ok := s.agreements[id]
	if !ok {
		return fmt.Errorf("update agreement usage %s: %w", id, domain.ErrNotFound)
	}
	ag.Used = used
	s.agreements[id] = ag
	return nil
}

func (s *Store) ListAgreements(_ context.Context) ([]agreement.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agreement.Agreement, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agreements[id])
	}
	return out, nil
}
