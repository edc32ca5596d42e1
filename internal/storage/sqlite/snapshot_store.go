package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/synapse/internal/storage"
	"github.com/scrypster/synapse/pkg/types"
)

// SaveSnapshot persists a full-graph snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("%w: snapshot requires an ID", storage.ErrInvalidInput)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if snap.Checksum == "" {
		snap.Checksum = snap.ComputeChecksum()
	}
	snap.PatternCount = len(snap.Patterns)

	payload, err := json.Marshal(snap.Patterns)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal snapshot payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, version, created_at, pattern_count, checksum, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Version, snap.CreatedAt, snap.PatternCount, snap.Checksum, string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot including its payload.
func (s *Store) LatestSnapshot(ctx context.Context) (*types.Snapshot, error) {
	return s.querySnapshot(ctx, `
		SELECT id, version, created_at, pattern_count, checksum, payload
		FROM snapshots ORDER BY version DESC LIMIT 1`)
}

// GetSnapshot retrieves a snapshot by ID including its payload.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*types.Snapshot, error) {
	return s.querySnapshot(ctx, `
		SELECT id, version, created_at, pattern_count, checksum, payload
		FROM snapshots WHERE id = ?`, id)
}

func (s *Store) querySnapshot(ctx context.Context, query string, args ...any) (*types.Snapshot, error) {
	snap := &types.Snapshot{}
	var payload string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&snap.ID, &snap.Version, &snap.CreatedAt, &snap.PatternCount, &snap.Checksum, &payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: snapshot", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &snap.Patterns); err != nil {
		return nil, fmt.Errorf("sqlite: failed to unmarshal snapshot payload: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns snapshot metadata (no payloads), newest first.
func (s *Store) ListSnapshots(ctx context.Context) ([]*types.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, created_at, pattern_count, checksum
		FROM snapshots ORDER BY version DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*types.Snapshot
	for rows.Next() {
		snap := &types.Snapshot{}
		if err := rows.Scan(&snap.ID, &snap.Version, &snap.CreatedAt,
			&snap.PatternCount, &snap.Checksum); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes all but the keep most recent snapshots.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY version DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
