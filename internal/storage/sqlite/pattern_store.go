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

// patternPayload is the JSON column shape holding the variant payload.
// Exactly one field is set, matching the pattern kind.
type patternPayload struct {
	Intent     *types.IntentPattern     `json:"intent,omitempty"`
	FileRel    *types.FileRelationship  `json:"file_relationship,omitempty"`
	Correction *types.Correction        `json:"correction,omitempty"`
	Workflow   *types.Workflow          `json:"workflow,omitempty"`
	Insight    *types.ValidationInsight `json:"validation_insight,omitempty"`
}

func marshalPatternPayload(p *types.Pattern) (string, error) {
	data, err := json.Marshal(patternPayload{
		Intent:     p.Intent,
		FileRel:    p.FileRel,
		Correction: p.Correction,
		Workflow:   p.Workflow,
		Insight:    p.Insight,
	})
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to marshal pattern payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPatternPayload(p *types.Pattern, payload string) error {
	var pp patternPayload
	if err := json.Unmarshal([]byte(payload), &pp); err != nil {
		return fmt.Errorf("sqlite: failed to unmarshal pattern payload: %w", err)
	}
	p.Intent = pp.Intent
	p.FileRel = pp.FileRel
	p.Correction = pp.Correction
	p.Workflow = pp.Workflow
	p.Insight = pp.Insight
	return nil
}

// GetPattern retrieves a pattern by signature.
func (s *Store) GetPattern(ctx context.Context, signature string) (*types.Pattern, error) {
	p := &types.Pattern{Signature: signature}
	var kind, payload string
	var flag int

	err := s.db.QueryRowContext(ctx, `
		SELECT kind, confidence, occurrence_count, last_updated, anomaly_flag, payload
		FROM patterns WHERE signature = ?`, signature).
		Scan(&kind, &p.Confidence, &p.OccurrenceCount, &p.LastUpdated, &flag, &payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: pattern %s", storage.ErrNotFound, signature)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read pattern: %w", err)
	}

	p.Kind = types.PatternKind(kind)
	p.AnomalyFlag = flag != 0
	if err := unmarshalPatternPayload(p, payload); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPatterns returns patterns matching the options, highest confidence first.
func (s *Store) ListPatterns(ctx context.Context, opts storage.PatternListOptions) ([]*types.Pattern, error) {
	opts.Normalize()

	query := "SELECT signature, kind, confidence, occurrence_count, last_updated, anomaly_flag, payload FROM patterns WHERE confidence >= ?"
	args := []any{opts.MinConfidence}

	if opts.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(opts.Kind))
	}
	if !opts.IncludeFlagged {
		query += " AND anomaly_flag = 0"
	}
	query += " ORDER BY confidence DESC, signature ASC LIMIT ?"
	args = append(args, opts.Limit)

	return s.scanPatterns(ctx, query, args...)
}

// AllPatterns returns the full pattern set, signature-ordered.
func (s *Store) AllPatterns(ctx context.Context) ([]*types.Pattern, error) {
	return s.scanPatterns(ctx, `
		SELECT signature, kind, confidence, occurrence_count, last_updated, anomaly_flag, payload
		FROM patterns ORDER BY signature ASC`)
}

func (s *Store) scanPatterns(ctx context.Context, query string, args ...any) ([]*types.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list patterns: %w", err)
	}
	defer rows.Close()

	var out []*types.Pattern
	for rows.Next() {
		p := &types.Pattern{}
		var kind, payload string
		var flag int
		if err := rows.Scan(&p.Signature, &kind, &p.Confidence, &p.OccurrenceCount,
			&p.LastUpdated, &flag, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan pattern: %w", err)
		}
		p.Kind = types.PatternKind(kind)
		p.AnomalyFlag = flag != 0
		if err := unmarshalPatternPayload(p, payload); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PatternCount returns the number of stored patterns.
func (s *Store) PatternCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM patterns").Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count patterns: %w", err)
	}
	return n, nil
}

// CommitRun replaces the pattern set and advances the event cursor in a
// single transaction. Readers observe either the pre-run or post-run graph,
// never an intermediate state.
func (s *Store) CommitRun(ctx context.Context, patterns []*types.Pattern, cursor int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback()

	if err := writePatternSet(ctx, tx, patterns); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE event_cursor SET seq = ? WHERE id = 1", cursor); err != nil {
		return fmt.Errorf("sqlite: failed to advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit run: %w", err)
	}
	return nil
}

// RestorePatterns replaces the pattern set without touching the cursor.
func (s *Store) RestorePatterns(ctx context.Context, patterns []*types.Pattern) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin restore transaction: %w", err)
	}
	defer tx.Rollback()

	if err := writePatternSet(ctx, tx, patterns); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit restore: %w", err)
	}
	return nil
}

func writePatternSet(ctx context.Context, tx *sql.Tx, patterns []*types.Pattern) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM patterns"); err != nil {
		return fmt.Errorf("sqlite: failed to clear patterns: %w", err)
	}
	for _, p := range patterns {
		payload, err := marshalPatternPayload(p)
		if err != nil {
			return err
		}
		flag := 0
		if p.AnomalyFlag {
			flag = 1
		}
		if p.LastUpdated.IsZero() {
			p.LastUpdated = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO patterns (signature, kind, confidence, occurrence_count, last_updated, anomaly_flag, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.Signature, string(p.Kind), p.Confidence, p.OccurrenceCount,
			p.LastUpdated, flag, payload); err != nil {
			return fmt.Errorf("sqlite: failed to write pattern %q: %w", p.Signature, err)
		}
	}
	return nil
}

// RecordAnomaly persists an anomaly record for manual review.
func (s *Store) RecordAnomaly(ctx context.Context, rec *types.AnomalyRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: anomaly record requires an ID", storage.ErrInvalidInput)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (id, signature, kind, reason, proposed_confidence, occurrence_count, created_at, reviewed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.ID, rec.Signature, string(rec.Kind), rec.Reason,
		rec.ProposedConfidence, rec.OccurrenceCount, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record anomaly: %w", err)
	}
	return nil
}

// ListAnomalies returns anomaly records, newest first.
func (s *Store) ListAnomalies(ctx context.Context, unreviewedOnly bool) ([]*types.AnomalyRecord, error) {
	query := `
		SELECT id, signature, kind, reason, proposed_confidence, occurrence_count, created_at, reviewed
		FROM anomalies`
	if unreviewedOnly {
		query += " WHERE reviewed = 0"
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var out []*types.AnomalyRecord
	for rows.Next() {
		rec := &types.AnomalyRecord{}
		var kind string
		var reviewed int
		if err := rows.Scan(&rec.ID, &rec.Signature, &kind, &rec.Reason,
			&rec.ProposedConfidence, &rec.OccurrenceCount, &rec.CreatedAt, &reviewed); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan anomaly: %w", err)
		}
		rec.Kind = types.PatternKind(kind)
		rec.Reviewed = reviewed != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkAnomalyReviewed flags an anomaly as reviewed.
func (s *Store) MarkAnomalyReviewed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE anomalies SET reviewed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to mark anomaly reviewed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: anomaly %s", storage.ErrNotFound, id)
	}
	return nil
}
