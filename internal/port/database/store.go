// Package database defines the persistence port for snapshots and the
// agreement audit trail.
package database

import (
	"context"

	"github.com/Strob0t/Enclave/internal/domain/agreement"
	"github.com/Strob0t/Enclave/internal/domain/snapshot"
)

// Store is the port interface for durable storage. Snapshots are immutable
// once saved; agreements are append-then-update audit records.
type Store interface {
	// SaveSnapshot persists a snapshot record. Records are never updated.
	SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot) error

	// GetSnapshot returns a snapshot by id, or domain.ErrNotFound.
	GetSnapshot(ctx context.Context, id string) (*snapshot.Snapshot, error)

	// ListSnapshots returns all snapshots taken of the given agent,
	// newest first.
	ListSnapshots(ctx context.Context, agentID string) ([]snapshot.Snapshot, error)

	// DeleteSnapshot removes a snapshot by explicit request.
	DeleteSnapshot(ctx context.Context, id string) error

	// InsertAgreement records a newly created agreement for audit.
	InsertAgreement(ctx context.Context, ag *agreement.Agreement) error

	// UpdateAgreementUsage records the current usage counters of an agreement.
	UpdateAgreementUsage(ctx context.Context, id string, used agreement.Usage) error

	// ListAgreements returns all agreements, including expired and
	// exhausted ones, which are retained for audit.
	ListAgreements(ctx context.Context) ([]agreement.Agreement, error)
}
