package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/surveyor-sec/surveyor/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for
// more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func sampleScan() schemas.ScanTask {
	created := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	return schemas.ScanTask{
		ID:           "scan-1",
		TargetID:     "example.com",
		Status:       schemas.ScanRunning,
		Progress:     33,
		CurrentStage: "port_scan",
		StageProgress: map[string]schemas.StageProgressItem{
			"subdomain_discovery": {Status: schemas.StageCompleted, Order: 0},
			"port_scan":           {Status: schemas.StageRunning, Order: 1},
		},
		CreatedAt: created,
	}
}

func TestNew(t *testing.T) {
	t.Run("propagates ping failure", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("succeeds when the database answers", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		assert.NotNil(t, s)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	t.Run("applies every statement in order", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		for range schemaStatements {
			mockPool.ExpectExec(`CREATE (TABLE|INDEX) IF NOT EXISTS`).
				WillReturnResult(pgxmock.NewResult("CREATE", 0))
		}

		require.NoError(t, s.EnsureSchema(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(`CREATE TABLE IF NOT EXISTS scans`).
			WillReturnError(errors.New("permission denied"))

		err := s.EnsureSchema(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to apply schema")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSaveScan(t *testing.T) {
	scan := sampleScan()
	stageJSON, err := json.Marshal(scan.StageProgress)
	require.NoError(t, err)

	t.Run("upserts the full snapshot", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO scans`)).
			WithArgs(scan.ID, scan.TargetID, "running", scan.Progress,
				scan.CurrentStage, stageJSON, scan.ErrorMessage,
				scan.CreatedAt.UTC(), scan.StoppedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.SaveScan(context.Background(), scan))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("wraps database errors with the scan ID", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO scans`)).
			WithArgs(scan.ID, scan.TargetID, "running", scan.Progress,
				scan.CurrentStage, stageJSON, scan.ErrorMessage,
				scan.CreatedAt.UTC(), scan.StoppedAt).
			WillReturnError(errors.New("connection reset"))

		err := s.SaveScan(context.Background(), scan)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scan-1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func scanColumns() []string {
	return []string{"id", "target_id", "status", "progress", "current_stage",
		"stage_progress", "error_message", "created_at", "stopped_at"}
}

func TestGetScan(t *testing.T) {
	scan := sampleScan()
	stageJSON, err := json.Marshal(scan.StageProgress)
	require.NoError(t, err)

	t.Run("decodes a full row", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		stage := scan.CurrentStage
		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT id, target_id, status, progress, current_stage, stage_progress, error_message, created_at, stopped_at FROM scans WHERE id = $1`)).
			WithArgs(scan.ID).
			WillReturnRows(pgxmock.NewRows(scanColumns()).
				AddRow(scan.ID, scan.TargetID, "running", scan.Progress,
					&stage, stageJSON, (*string)(nil), scan.CreatedAt, (*time.Time)(nil)))

		got, err := s.GetScan(context.Background(), scan.ID)
		require.NoError(t, err)
		assert.Equal(t, scan.ID, got.ID)
		assert.Equal(t, schemas.ScanRunning, got.Status)
		assert.Equal(t, "port_scan", got.CurrentStage)
		assert.Empty(t, got.ErrorMessage)
		assert.Nil(t, got.StoppedAt)
		require.Len(t, got.StageProgress, 2)
		assert.Equal(t, schemas.StageRunning, got.StageProgress["port_scan"].Status)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("maps missing rows to ErrNotFound", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectQuery(`SELECT .+ FROM scans WHERE id = \$1`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.GetScan(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestListScans(t *testing.T) {
	scan := sampleScan()
	stageJSON, err := json.Marshal(scan.StageProgress)
	require.NoError(t, err)

	t.Run("returns decoded rows", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		errMsg := "fatal stage port_scan failed"
		stopped := scan.CreatedAt.Add(time.Minute)
		mockPool.ExpectQuery(`SELECT .+ FROM scans ORDER BY created_at DESC LIMIT \$1`).
			WithArgs(10).
			WillReturnRows(pgxmock.NewRows(scanColumns()).
				AddRow("scan-2", "other.com", "failed", 50,
					(*string)(nil), stageJSON, &errMsg, scan.CreatedAt.Add(time.Hour), &stopped).
				AddRow(scan.ID, scan.TargetID, "completed", 100,
					(*string)(nil), stageJSON, (*string)(nil), scan.CreatedAt, (*time.Time)(nil)))

		got, err := s.ListScans(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "scan-2", got[0].ID)
		assert.Equal(t, errMsg, got[0].ErrorMessage)
		require.NotNil(t, got[0].StoppedAt)
		assert.Equal(t, schemas.ScanCompleted, got[1].Status)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("defaults a non-positive limit", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectQuery(`SELECT .+ FROM scans ORDER BY created_at DESC LIMIT \$1`).
			WithArgs(50).
			WillReturnRows(pgxmock.NewRows(scanColumns()))

		got, err := s.ListScans(context.Background(), 0)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMarkInterrupted(t *testing.T) {
	s, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(`UPDATE scans SET status = 'failed', error_message = 'interrupted by restart', stopped_at = NOW() WHERE status IN ('initiated', 'running')`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := s.MarkInterrupted(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveWorker(t *testing.T) {
	w := schemas.WorkerNode{
		ID:           "w-1",
		Name:         "local",
		Kind:         schemas.WorkerLocal,
		Capabilities: []string{"port_scan", "vuln_scan"},
		Status:       schemas.WorkerOnline,
		RegisteredAt: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
	}
	caps, err := json.Marshal(w.Capabilities)
	require.NoError(t, err)

	s, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO workers`)).
		WithArgs(w.ID, w.Name, "local", caps, "online", w.RegisteredAt.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveWorker(context.Background(), w))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestListWorkers(t *testing.T) {
	s, mockPool := newMockStore(t)
	registered := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	mockPool.ExpectQuery(`SELECT id, name, kind, capabilities, status, registered_at FROM workers ORDER BY name`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "kind", "capabilities", "status", "registered_at"}).
			AddRow("w-1", "alpha", "remote", []byte(`["port_scan"]`), "online", registered).
			AddRow("w-2", "beta", "local", []byte(`[]`), "offline", registered))

	got, err := s.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alpha", got[0].Name)
	assert.Equal(t, schemas.WorkerRemote, got[0].Kind)
	assert.Equal(t, []string{"port_scan"}, got[0].Capabilities)
	assert.Equal(t, schemas.WorkerOffline, got[1].Status)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUpdateWorkerStatus(t *testing.T) {
	t.Run("flips the status", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(`UPDATE workers SET status = \$2 WHERE id = \$1`).
			WithArgs("w-1", "offline").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.UpdateWorkerStatus(context.Background(), "w-1", schemas.WorkerOffline))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown worker is ErrNotFound", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(`UPDATE workers SET status = \$2 WHERE id = \$1`).
			WithArgs("ghost", "online").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.UpdateWorkerStatus(context.Background(), "ghost", schemas.WorkerOnline)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func sampleLease() schemas.Lease {
	return schemas.Lease{
		ID:        "lease-1",
		ScanID:    "scan-1",
		Stage:     "port_scan",
		Tool:      "naabu",
		WorkerID:  "w-1",
		State:     schemas.LeaseActive,
		CreatedAt: time.Date(2026, 8, 25, 10, 5, 0, 0, time.UTC),
	}
}

func TestLeaseEvents(t *testing.T) {
	lease := sampleLease()

	t.Run("append writes one history row", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO lease_events`)).
			WithArgs(lease.ID, lease.ScanID, lease.Stage, lease.Tool,
				lease.WorkerID, "active", "", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.AppendLeaseEvent(context.Background(), lease, ""))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("history returns transitions in insertion order", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		cols := []string{"lease_id", "scan_id", "stage", "tool", "worker_id", "state", "recorded_at"}
		mockPool.ExpectQuery(`SELECT .+ FROM lease_events WHERE lease_id = \$1 ORDER BY id`).
			WithArgs(lease.ID).
			WillReturnRows(pgxmock.NewRows(cols).
				AddRow(lease.ID, lease.ScanID, lease.Stage, lease.Tool, lease.WorkerID, "active", lease.CreatedAt).
				AddRow(lease.ID, lease.ScanID, lease.Stage, lease.Tool, lease.WorkerID, "completed", lease.CreatedAt.Add(time.Minute)))

		history, err := s.LeaseHistory(context.Background(), lease.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, schemas.LeaseActive, history[0].State)
		assert.Equal(t, schemas.LeaseCompleted, history[1].State)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("scan history spans all leases of the scan", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		cols := []string{"lease_id", "scan_id", "stage", "tool", "worker_id", "state", "recorded_at"}
		mockPool.ExpectQuery(`SELECT .+ FROM lease_events WHERE scan_id = \$1 ORDER BY id`).
			WithArgs(lease.ScanID).
			WillReturnRows(pgxmock.NewRows(cols).
				AddRow(lease.ID, lease.ScanID, lease.Stage, lease.Tool, lease.WorkerID, "completed", lease.CreatedAt).
				AddRow("lease-2", lease.ScanID, "vuln_scan", "nuclei", "w-2", "failed", lease.CreatedAt.Add(time.Minute)))

		history, err := s.ScanLeaseHistory(context.Background(), lease.ScanID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "lease-2", history[1].ID)
		assert.Equal(t, schemas.LeaseFailed, history[1].State)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestJournalSwallowsPersistenceErrors(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	core, logs := observer.New(zapcore.ErrorLevel)
	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.New(core))
	require.NoError(t, err)

	lease := sampleLease()
	anyLeaseEventArgs := []interface{}{
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
	}
	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO lease_events`)).
		WithArgs(anyLeaseEventArgs...).
		WillReturnError(errors.New("disk full"))
	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO lease_events`)).
		WithArgs(anyLeaseEventArgs...).
		WillReturnError(errors.New("disk full"))

	// Neither call may propagate the failure; the lease history is
	// diagnostic, not authoritative.
	s.LeaseCreated(context.Background(), lease)
	lease.State = schemas.LeaseFailed
	s.LeaseTransition(context.Background(), lease, "timeout")

	require.Equal(t, 2, logs.Len())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
