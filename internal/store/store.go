// Package store persists scan snapshots, worker records, and the
// append-only lease event log to PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL persistence layer.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_stage TEXT,
		stage_progress JSONB NOT NULL DEFAULT '{}',
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		stopped_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		capabilities JSONB NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lease_events (
		id BIGSERIAL PRIMARY KEY,
		lease_id TEXT NOT NULL,
		scan_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		tool TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lease_events_lease ON lease_events (lease_id)`,
	`CREATE INDEX IF NOT EXISTS idx_lease_events_scan ON lease_events (scan_id)`,
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// SaveScan upserts the full scan snapshot. The orchestrator calls this on
// every state transition, so the row always reflects the latest snapshot.
func (s *Store) SaveScan(ctx context.Context, scan schemas.ScanTask) error {
	stageProgress, err := json.Marshal(scan.StageProgress)
	if err != nil {
		return fmt.Errorf("failed to encode stage progress: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scans (id, target_id, status, progress, current_stage, stage_progress, error_message, created_at, stopped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			current_stage = EXCLUDED.current_stage,
			stage_progress = EXCLUDED.stage_progress,
			error_message = EXCLUDED.error_message,
			stopped_at = EXCLUDED.stopped_at`,
		scan.ID, scan.TargetID, string(scan.Status), scan.Progress,
		scan.CurrentStage, stageProgress, scan.ErrorMessage,
		scan.CreatedAt.UTC(), scan.StoppedAt)
	if err != nil {
		return fmt.Errorf("failed to save scan %s: %w", scan.ID, err)
	}
	return nil
}

// GetScan loads one scan snapshot by ID.
func (s *Store) GetScan(ctx context.Context, id string) (schemas.ScanTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, target_id, status, progress, current_stage, stage_progress, error_message, created_at, stopped_at
		FROM scans WHERE id = $1`, id)
	scan, err := scanScanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.ScanTask{}, ErrNotFound
	}
	if err != nil {
		return schemas.ScanTask{}, fmt.Errorf("failed to load scan %s: %w", id, err)
	}
	return scan, nil
}

// ListScans returns scans newest first, bounded by limit.
func (s *Store) ListScans(ctx context.Context, limit int) ([]schemas.ScanTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_id, status, progress, current_stage, stage_progress, error_message, created_at, stopped_at
		FROM scans ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var scans []schemas.ScanTask
	for rows.Next() {
		scan, err := scanScanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to decode scan row: %w", err)
		}
		scans = append(scans, scan)
	}
	return scans, rows.Err()
}

// MarkInterrupted flags scans left non-terminal by a previous process as
// failed. Called once at startup before any new scans are accepted.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scans SET status = 'failed', error_message = 'interrupted by restart', stopped_at = NOW()
		WHERE status IN ('initiated', 'running')`)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted scans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveWorker upserts a worker registration record.
func (s *Store) SaveWorker(ctx context.Context, w schemas.WorkerNode) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workers (id, name, kind, capabilities, status, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			id = EXCLUDED.id,
			kind = EXCLUDED.kind,
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status`,
		w.ID, w.Name, string(w.Kind), caps, string(w.Status), w.RegisteredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save worker %s: %w", w.Name, err)
	}
	return nil
}

// ListWorkers returns all persisted worker records ordered by name.
func (s *Store) ListWorkers(ctx context.Context) ([]schemas.WorkerNode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, kind, capabilities, status, registered_at
		FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []schemas.WorkerNode
	for rows.Next() {
		var (
			w      schemas.WorkerNode
			kind   string
			caps   []byte
			status string
		)
		if err := rows.Scan(&w.ID, &w.Name, &kind, &caps, &status, &w.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to decode worker row: %w", err)
		}
		w.Kind = schemas.WorkerKind(kind)
		w.Status = schemas.WorkerStatus(status)
		if len(caps) > 0 {
			if err := json.Unmarshal(caps, &w.Capabilities); err != nil {
				return nil, fmt.Errorf("failed to decode capabilities: %w", err)
			}
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// UpdateWorkerStatus records an online/offline flip.
func (s *Store) UpdateWorkerStatus(ctx context.Context, id string, status schemas.WorkerStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workers SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update worker %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLeaseEvent writes one row to the append-only lease history.
func (s *Store) AppendLeaseEvent(ctx context.Context, lease schemas.Lease, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lease_events (lease_id, scan_id, stage, tool, worker_id, state, reason, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		lease.ID, lease.ScanID, lease.Stage, lease.Tool, lease.WorkerID,
		string(lease.State), reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append lease event: %w", err)
	}
	return nil
}

// LeaseHistory returns the recorded transitions of one lease in order.
func (s *Store) LeaseHistory(ctx context.Context, leaseID string) ([]schemas.Lease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lease_id, scan_id, stage, tool, worker_id, state, recorded_at
		FROM lease_events WHERE lease_id = $1 ORDER BY id`, leaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lease history: %w", err)
	}
	defer rows.Close()
	return collectLeaseRows(rows)
}

func collectLeaseRows(rows pgx.Rows) ([]schemas.Lease, error) {
	var history []schemas.Lease
	for rows.Next() {
		var l schemas.Lease
		var state string
		if err := rows.Scan(&l.ID, &l.ScanID, &l.Stage, &l.Tool, &l.WorkerID, &state, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to decode lease event: %w", err)
		}
		l.State = schemas.LeaseState(state)
		history = append(history, l)
	}
	return history, rows.Err()
}

// ScanLeaseHistory returns every lease transition recorded for a scan, in
// insertion order. This is the audit trail behind a scan's stage errors.
func (s *Store) ScanLeaseHistory(ctx context.Context, scanID string) ([]schemas.Lease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lease_id, scan_id, stage, tool, worker_id, state, recorded_at
		FROM lease_events WHERE scan_id = $1 ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load scan lease history: %w", err)
	}
	defer rows.Close()
	return collectLeaseRows(rows)
}

// LeaseCreated records the initial lease row. Persistence failures are
// logged, not propagated; the lease history is diagnostic, not
// authoritative.
func (s *Store) LeaseCreated(ctx context.Context, lease schemas.Lease) {
	if err := s.AppendLeaseEvent(ctx, lease, ""); err != nil {
		s.log.Error("Failed to record lease creation",
			zap.String("lease_id", lease.ID), zap.Error(err))
	}
}

// LeaseTransition records a lease state change.
func (s *Store) LeaseTransition(ctx context.Context, lease schemas.Lease, reason string) {
	if err := s.AppendLeaseEvent(ctx, lease, reason); err != nil {
		s.log.Error("Failed to record lease transition",
			zap.String("lease_id", lease.ID),
			zap.String("state", string(lease.State)),
			zap.Error(err))
	}
}

// rowScanner covers both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanRow(row rowScanner) (schemas.ScanTask, error) {
	var (
		scan          schemas.ScanTask
		status        string
		stageProgress []byte
		currentStage  *string
		errorMessage  *string
		stoppedAt     *time.Time
	)
	if err := row.Scan(&scan.ID, &scan.TargetID, &status, &scan.Progress,
		&currentStage, &stageProgress, &errorMessage, &scan.CreatedAt, &stoppedAt); err != nil {
		return schemas.ScanTask{}, err
	}
	scan.Status = schemas.ScanStatus(status)
	if currentStage != nil {
		scan.CurrentStage = *currentStage
	}
	if errorMessage != nil {
		scan.ErrorMessage = *errorMessage
	}
	scan.StoppedAt = stoppedAt
	if len(stageProgress) > 0 {
		if err := json.Unmarshal(stageProgress, &scan.StageProgress); err != nil {
			return schemas.ScanTask{}, fmt.Errorf("failed to decode stage progress: %w", err)
		}
	}
	return scan, nil
}
