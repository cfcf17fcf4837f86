package cmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/eventbus"
	"github.com/surveyor-sec/surveyor/internal/store"
)

// fakeStatusStore records UpdateWorkerStatus calls.
type fakeStatusStore struct {
	mu    sync.Mutex
	calls []statusCall
	err   error
}

type statusCall struct {
	id     string
	status schemas.WorkerStatus
}

func (f *fakeStatusStore) UpdateWorkerStatus(_ context.Context, id string, status schemas.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, statusCall{id: id, status: status})
	return f.err
}

func (f *fakeStatusStore) snapshot() []statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusCall(nil), f.calls...)
}

func runStatusPersister(t *testing.T, st *fakeStatusStore, logger *zap.Logger) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		persistWorkerStatus(ctx, bus, st, logger)
	}()
	// Give the persister goroutine a chance to subscribe before the test
	// publishes; the bus drops events that arrive before any subscriber.
	time.Sleep(50 * time.Millisecond)
	t.Cleanup(func() {
		cancel()
		bus.Close()
		<-done
	})
	return bus
}

func awaitCalls(t *testing.T, st *fakeStatusStore, n int) []statusCall {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(st.snapshot()) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return st.snapshot()
}

func TestPersistWorkerStatus(t *testing.T) {
	t.Run("mirrors liveness flips into the store", func(t *testing.T) {
		st := &fakeStatusStore{}
		bus := runStatusPersister(t, st, zap.NewNop())

		bus.Publish(schemas.Event{Type: schemas.EventWorkerOffline, WorkerID: "w1"})
		bus.Publish(schemas.Event{Type: schemas.EventWorkerOnline, WorkerID: "w1"})

		calls := awaitCalls(t, st, 2)
		assert.Equal(t, []statusCall{
			{id: "w1", status: schemas.WorkerOffline},
			{id: "w1", status: schemas.WorkerOnline},
		}, calls)
	})

	t.Run("ignores scan lifecycle events", func(t *testing.T) {
		st := &fakeStatusStore{}
		bus := runStatusPersister(t, st, zap.NewNop())

		bus.Publish(schemas.Event{Type: schemas.EventScanStarted, ScanID: "scan-1"})
		bus.Publish(schemas.Event{Type: schemas.EventStageCompleted, ScanID: "scan-1"})
		bus.Publish(schemas.Event{Type: schemas.EventWorkerOffline, WorkerID: "w1"})

		calls := awaitCalls(t, st, 1)
		require.Len(t, calls, 1)
		assert.Equal(t, "w1", calls[0].id)
	})

	t.Run("a worker missing from the database is not an error", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		st := &fakeStatusStore{err: store.ErrNotFound}
		bus := runStatusPersister(t, st, zap.New(core))

		bus.Publish(schemas.Event{Type: schemas.EventWorkerOffline, WorkerID: "ghost"})

		awaitCalls(t, st, 1)
		assert.Zero(t, logs.Len(), "ErrNotFound must not be logged as a failure")
	})

	t.Run("other store failures are logged and do not stop the loop", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		st := &fakeStatusStore{err: context.DeadlineExceeded}
		bus := runStatusPersister(t, st, zap.New(core))

		bus.Publish(schemas.Event{Type: schemas.EventWorkerOffline, WorkerID: "w1"})
		bus.Publish(schemas.Event{Type: schemas.EventWorkerOnline, WorkerID: "w1"})

		awaitCalls(t, st, 2)
		require.Eventually(t, func() bool {
			return logs.FilterMessage("Failed to persist worker status").Len() == 2
		}, 5*time.Second, 5*time.Millisecond)
	})
}
