package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/Enclave/internal/domain"
	"github.com/Strob0t/Enclave/internal/domain/agreement"
	"github.com/Strob0t/Enclave/internal/domain/snapshot"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// --- Snapshots ---

func (s *Store) SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal snapshot state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (id, schema_version, agent_id, cpu_fraction, memory_bytes, state, plugin_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, snap.SchemaVersion, snap.AgentID,
		snap.Constraints.CPUFraction, snap.Constraints.MemoryBytes,
		stateJSON, textArray(snap.PluginIDs), snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, schema_version, agent_id, cpu_fraction, memory_bytes, state, plugin_ids, created_at
		FROM snapshots WHERE id = $1`, id)

	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get snapshot %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, agentID string) ([]snapshot.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, schema_version, agent_id, cpu_fraction, memory_bytes, state, plugin_ids, created_at
		FROM snapshots WHERE agent_id = $1 ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []snapshot.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete snapshot %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanSnapshot(row scannable) (*snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	var stateJSON []byte
	err := row.Scan(&snap.ID, &snap.SchemaVersion, &snap.AgentID,
		&snap.Constraints.CPUFraction, &snap.Constraints.MemoryBytes,
		&stateJSON, &snap.PluginIDs, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot state: %w", err)
	}
	return &snap, nil
}

// --- Agreements ---

func (s *Store) InsertAgreement(ctx context.Context, ag *agreement.Agreement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agreements (id, consumer_id, provider_id, allowed_ops, call_quota,
			quota_cpu_millis, quota_memory_bytes, used_calls, used_cpu_millis, used_memory_bytes,
			expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ag.ID, ag.ConsumerID, ag.ProviderID, textArray(ag.AllowedOps), ag.CallQuota,
		ag.ResourceQuota.CPUMillis, ag.ResourceQuota.MemoryBytes,
		ag.Used.Calls, ag.Used.CPUMillis, ag.Used.MemoryBytes,
		ag.ExpiresAt, ag.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agreement: %w", err)
	}
	return nil
}

func (s *Store) UpdateAgreementUsage(ctx context.Context, id string, used agreement.Usage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agreements SET used_calls = $2, used_cpu_millis = $3, used_memory_bytes = $4
		WHERE id = $1`,
		id, used.Calls, used.CPUMillis, used.MemoryBytes,
	)
	if err != nil {
		return fmt.Errorf("update agreement usage %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update agreement usage %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListAgreements(ctx context.Context) ([]agreement.Agreement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, consumer_id, provider_id, allowed_ops, call_quota,
			quota_cpu_millis, quota_memory_bytes, used_calls, used_cpu_millis, used_memory_bytes,
			expires_at, created_at
		FROM agreements ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()

	var ags []agreement.Agreement
	for rows.Next() {
		var ag agreement.Agreement
		err := rows.Scan(&ag.ID, &ag.ConsumerID, &ag.ProviderID, &ag.AllowedOps, &ag.CallQuota,
			&ag.ResourceQuota.CPUMillis, &ag.ResourceQuota.MemoryBytes,
			&ag.Used.Calls, &ag.Used.CPUMillis, &ag.Used.MemoryBytes,
			&ag.ExpiresAt, &ag.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan agreement: %w", err)
		}
		ags = append(ags, ag)
	}
	return ags, rows.Err()
}

// textArray converts a string slice to a pgx-compatible text array.
// nil slices become empty arrays to avoid SQL NULL.
func textArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
