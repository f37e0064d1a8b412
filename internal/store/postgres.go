package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"record-sync-engine/internal/models"
)

// errorLogLimit bounds the per-row error_log to the most recent entries.
const errorLogLimit = 20

// Store wraps pgxpool for Postgres persistence of sync state, dead letters,
// and field-mapping configuration.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const stateColumns = `entity_id, source_system, target_system, sync_status, target_record_id,
	last_synced_at, retry_count, error_log, version, operation_id, created_at, updated_at`

// UpsertPending creates the state row for a triple, or resets an existing row
// to pending for a new delivery. version increments on every transition; it
// is advisory, not a compare-and-swap guard.
func (s *Store) UpsertPending(ctx context.Context, t models.Triple, operationID string) (models.SyncState, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sync_state (entity_id, source_system, target_system, sync_status, operation_id)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (entity_id, source_system, target_system) DO UPDATE
		SET sync_status = 'pending',
		    operation_id = EXCLUDED.operation_id,
		    version = sync_state.version + 1,
		    updated_at = NOW()
		RETURNING `+stateColumns, t.EntityID, t.Source, t.Target, operationID)
	return scanState(row)
}

// MarkSyncing records that a worker claimed the triple's job.
func (s *Store) MarkSyncing(ctx context.Context, t models.Triple, operationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_state
		SET sync_status = 'syncing', operation_id = $4, version = version + 1, updated_at = NOW()
		WHERE entity_id = $1 AND source_system = $2 AND target_system = $3
	`, t.EntityID, t.Source, t.Target, operationID)
	if err != nil {
		return fmt.Errorf("mark syncing %s: %w", t, err)
	}
	return nil
}

// MarkSynced finalizes a successful application: retry_count resets, the
// target record id is kept if already set.
func (s *Store) MarkSynced(ctx context.Context, t models.Triple, targetRecordID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_state
		SET sync_status = 'synced',
		    last_synced_at = NOW(),
		    retry_count = 0,
		    target_record_id = COALESCE(NULLIF($4, ''), target_record_id),
		    version = version + 1,
		    updated_at = NOW()
		WHERE entity_id = $1 AND source_system = $2 AND target_system = $3
	`, t.EntityID, t.Source, t.Target, targetRecordID)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", t, err)
	}
	return nil
}

// SetTargetRecordID persists a newly created counterpart id on the pending
// row so retried jobs converge onto the same target record.
func (s *Store) SetTargetRecordID(ctx context.Context, t models.Triple, targetRecordID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_state
		SET target_record_id = $4, version = version + 1, updated_at = NOW()
		WHERE entity_id = $1 AND source_system = $2 AND target_system = $3
	`, t.EntityID, t.Source, t.Target, targetRecordID)
	if err != nil {
		return fmt.Errorf("set target record id %s: %w", t, err)
	}
	return nil
}

// RecordFailure increments retry_count, appends to the bounded error_log,
// and computes the next status: pending while retries remain, failed once
// retry_count reaches maxRetries. It returns the resulting status and count.
func (s *Store) RecordFailure(ctx context.Context, t models.Triple, message string, maxRetries int) (string, int, error) {
	entry, err := json.Marshal([]models.ErrorEntry{{Message: message, Timestamp: time.Now().UTC()}})
	if err != nil {
		return "", 0, fmt.Errorf("marshal error entry: %w", err)
	}
	var status string
	var retries int
	err = s.pool.QueryRow(ctx, `
		UPDATE sync_state
		SET retry_count = retry_count + 1,
		    sync_status = CASE WHEN retry_count + 1 >= $5 THEN 'failed' ELSE 'pending' END,
		    error_log = (
		        SELECT COALESCE(jsonb_agg(elem ORDER BY ord), '[]'::jsonb)
		        FROM jsonb_array_elements(sync_state.error_log || $4::jsonb) WITH ORDINALITY AS t(elem, ord)
		        WHERE ord > jsonb_array_length(sync_state.error_log || $4::jsonb) - $6
		    ),
		    version = version + 1,
		    updated_at = NOW()
		WHERE entity_id = $1 AND source_system = $2 AND target_system = $3
		RETURNING sync_status, retry_count
	`, t.EntityID, t.Source, t.Target, entry, maxRetries, errorLogLimit).Scan(&status, &retries)
	if err != nil {
		return "", 0, fmt.Errorf("record failure %s: %w", t, err)
	}
	return status, retries, nil
}

// MarkFailed finalizes a triple without consuming further retries, used when
// the failure is not retryable (missing configuration, retry exhaustion).
func (s *Store) MarkFailed(ctx context.Context, t models.Triple, message string) error {
	entry, err := json.Marshal([]models.ErrorEntry{{Message: message, Timestamp: time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("marshal error entry: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_state
		SET sync_status = 'failed',
		    error_log = (
		        SELECT COALESCE(jsonb_agg(elem ORDER BY ord), '[]'::jsonb)
		        FROM jsonb_array_elements(sync_state.error_log || $4::jsonb) WITH ORDINALITY AS t(elem, ord)
		        WHERE ord > jsonb_array_length(sync_state.error_log || $4::jsonb) - $5
		    ),
		    version = version + 1,
		    updated_at = NOW()
		WHERE entity_id = $1 AND source_system = $2 AND target_system = $3
	`, t.EntityID, t.Source, t.Target, entry, errorLogLimit)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", t, err)
	}
	return nil
}

// GetState fetches the state row for a triple.
func (s *Store) GetState(ctx context.Context, t models.Triple) (models.SyncState, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+stateColumns+`
		FROM sync_state
		WHERE entity_id = $1 AND source_system = $2 AND target_system = $3
	`, t.EntityID, t.Source, t.Target)
	state, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncState{}, false, nil
	}
	if err != nil {
		return models.SyncState{}, false, err
	}
	return state, true, nil
}

// InsertDeadLetter parks an exhausted job. Keyed by operation id, so a
// duplicate push for the same delivery is a no-op.
func (s *Store) InsertDeadLetter(ctx context.Context, rec models.DeadLetterRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_dead_letters (operation_id, entity_id, source_system, target_system, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (operation_id) DO NOTHING
	`, rec.OperationID, rec.EntityID, rec.SourceSystem, rec.TargetSystem, rec.Reason, payload)
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", rec.OperationID, err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead-letter rows for operator inspection.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT operation_id, entity_id, source_system, target_system, reason, payload, created_at
		FROM sync_dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterRecord
	for rows.Next() {
		var rec models.DeadLetterRecord
		var payload []byte
		if err := rows.Scan(&rec.OperationID, &rec.EntityID, &rec.SourceSystem, &rec.TargetSystem, &rec.Reason, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter payload: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadFieldMappings reads operator-configured mapping overrides.
func (s *Store) LoadFieldMappings(ctx context.Context) ([]models.FieldMapping, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_field, target_field, direction FROM sync_field_mappings
	`)
	if err != nil {
		return nil, fmt.Errorf("load field mappings: %w", err)
	}
	defer rows.Close()

	var out []models.FieldMapping
	for rows.Next() {
		var m models.FieldMapping
		if err := rows.Scan(&m.SourceField, &m.TargetField, &m.Direction); err != nil {
			return nil, fmt.Errorf("scan field mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanState(row pgx.Row) (models.SyncState, error) {
	var st models.SyncState
	var targetID, opID pgtype.Text
	var lastSynced pgtype.Timestamptz
	var errorLog []byte

	if err := row.Scan(&st.EntityID, &st.SourceSystem, &st.TargetSystem, &st.SyncStatus, &targetID,
		&lastSynced, &st.RetryCount, &errorLog, &st.Version, &opID, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return models.SyncState{}, err
	}
	if err := json.Unmarshal(errorLog, &st.ErrorLog); err != nil {
		return models.SyncState{}, fmt.Errorf("unmarshal error log: %w", err)
	}
	st.TargetRecordID = textPtr(targetID)
	st.OperationID = textPtr(opID)
	if lastSynced.Valid {
		ts := lastSynced.Time
		st.LastSyncedAt = &ts
	}
	return st, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
