// Package tracker supervises dispatched tool invocations from lease
// creation to a terminal state. Each lease gets one supervision goroutine
// that polls the owning worker, enforces the resolved tool timeout, and
// survives worker loss through a single reassignment attempt.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/agent"
	"github.com/surveyor-sec/surveyor/internal/config"
	"github.com/surveyor-sec/surveyor/internal/dispatch"
	"github.com/surveyor-sec/surveyor/internal/eventbus"
	"github.com/surveyor-sec/surveyor/internal/registry"
)

// Failure reasons stamped onto force-failed leases.
const (
	ReasonTimeout      = "timeout"
	ReasonNoReassign   = "worker unavailable, no reassignment target"
	ReasonWorkerLost   = "worker unavailable"
	ReasonCancelled    = "cancelled"
	ReasonDispatchFail = "dispatch failed"
)

// ErrUnknownLease is returned for operations on a lease the tracker is not
// supervising.
var ErrUnknownLease = errors.New("unknown lease")

// AgentPool resolves the execution client for a worker.
type AgentPool interface {
	ClientFor(workerID string) (agent.Client, bool)
}

// Journal receives the append-only lease history. Implementations must not
// block for long; they are called from supervision goroutines.
type Journal interface {
	LeaseCreated(ctx context.Context, lease schemas.Lease)
	LeaseTransition(ctx context.Context, lease schemas.Lease, reason string)
}

// nopJournal is used when no persistence is wired.
type nopJournal struct{}

func (nopJournal) LeaseCreated(context.Context, schemas.Lease)            {}
func (nopJournal) LeaseTransition(context.Context, schemas.Lease, string) {}

// Result is the terminal outcome of one supervised lease.
type Result struct {
	Lease  schemas.Lease
	Report schemas.StatusReport
	Reason string
}

// supervised is the tracker-internal state of one lease.
type supervised struct {
	mu         sync.Mutex
	lease      schemas.Lease
	deadline   time.Time
	inv        schemas.Invocation
	reassigned bool
	cancelled  bool

	orphan chan string // dead worker ID, buffered 1
	done   chan Result // buffered 1, closed after delivery
}

// Tracker supervises all active leases.
type Tracker struct {
	cfg        config.AgentConfig
	dispatcher *dispatch.Dispatcher
	agents     AgentPool
	registry   *registry.Registry
	journal    Journal
	events     *eventbus.Bus
	log        *zap.Logger

	mu       sync.Mutex
	byLease  map[string]*supervised
	byWorker map[string]map[string]*supervised
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithJournal wires lease history persistence.
func WithJournal(j Journal) Option {
	return func(t *Tracker) {
		if j != nil {
			t.journal = j
		}
	}
}

// WithEventBus mirrors worker liveness transitions onto the bus as they are
// consumed from the registry.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(t *Tracker) { t.events = bus }
}

// New creates a tracker. Run must be started for offline events to reach
// supervision goroutines.
func New(cfg config.AgentConfig, d *dispatch.Dispatcher, agents AgentPool, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:        cfg,
		dispatcher: d,
		agents:     agents,
		registry:   reg,
		journal:    nopJournal{},
		log:        logger.Named("tracker"),
		byLease:    make(map[string]*supervised),
		byWorker:   make(map[string]map[string]*supervised),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run consumes worker liveness transitions, orphaning the leases of lost
// workers and mirroring both directions onto the event bus. It returns when
// the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	events := t.registry.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			eventType := schemas.EventWorkerOnline
			if ev.Status == schemas.WorkerOffline {
				eventType = schemas.EventWorkerOffline
			}
			if t.events != nil {
				t.events.Publish(schemas.Event{
					Type:     eventType,
					WorkerID: ev.WorkerID,
					Message:  ev.Name,
				})
			}
			if ev.Status == schemas.WorkerOffline {
				t.orphanWorkerLeases(ev.WorkerID)
			}
		}
	}
}

func (t *Tracker) orphanWorkerLeases(workerID string) {
	t.mu.Lock()
	affected := make([]*supervised, 0, len(t.byWorker[workerID]))
	for _, s := range t.byWorker[workerID] {
		affected = append(affected, s)
	}
	t.mu.Unlock()

	for _, s := range affected {
		select {
		case s.orphan <- workerID:
		default:
		}
	}
}

// Launch selects a worker for the invocation, dispatches it, and starts
// supervision. The returned channel delivers exactly one Result.
func (t *Tracker) Launch(ctx context.Context, inv schemas.Invocation) (schemas.Lease, <-chan Result, error) {
	node, err := t.dispatcher.SelectWorker(inv.Stage)
	if err != nil {
		return schemas.Lease{}, nil, err
	}

	lease := schemas.Lease{
		ID:        uuid.New().String(),
		ScanID:    inv.ScanID,
		Stage:     inv.Stage,
		Tool:      inv.Tool,
		WorkerID:  node.ID,
		State:     schemas.LeasePending,
		CreatedAt: time.Now().UTC(),
	}
	t.journal.LeaseCreated(ctx, lease)

	s := &supervised{
		lease:    lease,
		deadline: time.Now().Add(inv.Timeout),
		inv:      inv,
		orphan:   make(chan string, 1),
		done:     make(chan Result, 1),
	}

	handle, err := t.dispatchTo(ctx, s, node.ID)
	if err != nil {
		lease.State = schemas.LeaseFailed
		t.journal.LeaseTransition(ctx, lease, ReasonDispatchFail)
		return schemas.Lease{}, nil, fmt.Errorf("failed to dispatch %s/%s: %w", inv.Stage, inv.Tool, err)
	}
	s.lease.Handle = string(handle)
	s.lease.State = schemas.LeaseActive
	t.journal.LeaseTransition(ctx, s.lease, "")

	t.track(s)
	go t.supervise(s)

	t.log.Info("Lease active",
		zap.String("lease_id", s.lease.ID),
		zap.String("scan_id", inv.ScanID),
		zap.String("stage", inv.Stage),
		zap.String("tool", inv.Tool),
		zap.String("worker_id", node.ID))
	return s.snapshot(), s.done, nil
}

// dispatchTo sends the invocation to the given worker, holding an in-flight
// slot for the lifetime of the lease on success.
func (t *Tracker) dispatchTo(ctx context.Context, s *supervised, workerID string) (agent.Handle, error) {
	client, ok := t.agents.ClientFor(workerID)
	if !ok {
		return "", fmt.Errorf("no agent client for worker %s", workerID)
	}
	if err := t.registry.AcquireSlot(workerID); err != nil {
		return "", err
	}
	handle, err := client.Dispatch(ctx, s.inv)
	if err != nil {
		t.registry.ReleaseSlot(workerID)
		return "", err
	}
	return handle, nil
}

func (t *Tracker) track(s *supervised) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byLease[s.lease.ID] = s
	if t.byWorker[s.lease.WorkerID] == nil {
		t.byWorker[s.lease.WorkerID] = make(map[string]*supervised)
	}
	t.byWorker[s.lease.WorkerID][s.lease.ID] = s
}

func (t *Tracker) untrack(s *supervised, workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byLease, s.lease.ID)
	if m := t.byWorker[workerID]; m != nil {
		delete(m, s.lease.ID)
		if len(m) == 0 {
			delete(t.byWorker, workerID)
		}
	}
}

// retarget moves tracking of s from one worker to another.
func (t *Tracker) retarget(s *supervised, from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m := t.byWorker[from]; m != nil {
		delete(m, s.lease.ID)
		if len(m) == 0 {
			delete(t.byWorker, from)
		}
	}
	if t.byWorker[to] == nil {
		t.byWorker[to] = make(map[string]*supervised)
	}
	t.byWorker[to][s.lease.ID] = s
}

// Cancel requests cooperative cancellation of a lease. The supervision
// goroutine grants the worker a grace period before forcing the terminal
// state; the Result still arrives on the channel returned by Launch.
func (t *Tracker) Cancel(ctx context.Context, leaseID string) error {
	t.mu.Lock()
	s, ok := t.byLease[leaseID]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownLease
	}

	s.mu.Lock()
	s.cancelled = true
	workerID := s.lease.WorkerID
	handle := s.lease.Handle
	s.mu.Unlock()

	if client, ok := t.agents.ClientFor(workerID); ok {
		if err := client.Cancel(ctx, agent.Handle(handle)); err != nil {
			t.log.Warn("Cancel request failed, will force terminal after grace",
				zap.String("lease_id", leaseID), zap.Error(err))
		}
	}
	return nil
}

// supervise polls the worker until the task reaches a terminal state, the
// resolved timeout expires, or the worker is lost. Exactly one Result is
// delivered.
func (t *Tracker) supervise(s *supervised) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	var cancelDeadline time.Time
	for {
		select {
		case deadWorker := <-s.orphan:
			if t.handleOrphan(s, deadWorker) {
				return
			}
		case <-ticker.C:
		}

		s.mu.Lock()
		workerID := s.lease.WorkerID
		handle := s.lease.Handle
		cancelled := s.cancelled
		deadline := s.deadline
		s.mu.Unlock()

		if cancelled && cancelDeadline.IsZero() {
			cancelDeadline = time.Now().Add(t.cfg.CancelGrace)
		}

		client, ok := t.agents.ClientFor(workerID)
		if !ok {
			// The pool no longer knows the worker. Treat like an offline
			// event rather than polling into the void.
			if t.handleOrphan(s, workerID) {
				return
			}
			continue
		}

		pollCtx, pollCancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		report, err := client.Status(pollCtx, agent.Handle(handle))
		pollCancel()

		switch {
		case err != nil:
			t.log.Debug("Status poll failed",
				zap.String("lease_id", s.lease.ID), zap.Error(err))
		case report.State == schemas.TaskCompleted:
			t.finish(s, workerID, schemas.LeaseCompleted, report, "")
			return
		case report.State == schemas.TaskFailed:
			reason := ""
			if cancelled {
				reason = ReasonCancelled
			}
			state := schemas.LeaseFailed
			if cancelled {
				state = schemas.LeaseCancelled
			}
			t.finish(s, workerID, state, report, reason)
			return
		}

		if cancelled && !cancelDeadline.IsZero() && time.Now().After(cancelDeadline) {
			t.finish(s, workerID, schemas.LeaseCancelled, schemas.StatusReport{State: schemas.TaskFailed}, ReasonCancelled)
			return
		}
		if time.Now().After(deadline) {
			t.forceTimeout(s, workerID, agent.Handle(handle))
			return
		}
	}
}

// forceTimeout cancels the remote task best-effort and fails the lease.
func (t *Tracker) forceTimeout(s *supervised, workerID string, handle agent.Handle) {
	if client, ok := t.agents.ClientFor(workerID); ok {
		cancelCtx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		_ = client.Cancel(cancelCtx, handle)
		cancel()
	}
	t.log.Warn("Lease timed out",
		zap.String("lease_id", s.lease.ID),
		zap.String("scan_id", s.lease.ScanID),
		zap.String("tool", s.lease.Tool))
	t.finish(s, workerID, schemas.LeaseFailed, schemas.StatusReport{State: schemas.TaskFailed}, ReasonTimeout)
}

// handleOrphan reacts to the loss of the lease's worker. At most one
// reassignment is attempted per lease; a second loss, or the absence of any
// eligible replacement, fails the lease. Returns true when the lease
// reached a terminal state.
func (t *Tracker) handleOrphan(s *supervised, deadWorker string) bool {
	s.mu.Lock()
	if s.lease.WorkerID != deadWorker {
		// Stale event from a worker this lease already moved off.
		s.mu.Unlock()
		return false
	}
	alreadyReassigned := s.reassigned
	cancelled := s.cancelled
	s.mu.Unlock()

	t.registry.ReleaseSlot(deadWorker)
	orphaned := s.snapshot()
	orphaned.State = schemas.LeaseOrphaned
	t.journal.LeaseTransition(context.Background(), orphaned, ReasonWorkerLost)

	if cancelled {
		t.finishUntracked(s, deadWorker, schemas.LeaseCancelled, ReasonCancelled)
		return true
	}
	if alreadyReassigned {
		t.log.Warn("Reassigned worker lost, failing lease",
			zap.String("lease_id", s.lease.ID),
			zap.String("worker_id", deadWorker))
		t.finishUntracked(s, deadWorker, schemas.LeaseFailed, ReasonWorkerLost)
		return true
	}

	node, err := t.dispatcher.SelectWorker(s.inv.Stage, deadWorker)
	if err != nil {
		t.log.Warn("No reassignment target for orphaned lease",
			zap.String("lease_id", s.lease.ID),
			zap.String("stage", s.inv.Stage))
		t.finishUntracked(s, deadWorker, schemas.LeaseFailed, ReasonNoReassign)
		return true
	}

	dispatchCtx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
	handle, err := t.dispatchTo(dispatchCtx, s, node.ID)
	cancel()
	if err != nil {
		t.log.Warn("Reassignment dispatch failed",
			zap.String("lease_id", s.lease.ID),
			zap.String("worker_id", node.ID),
			zap.Error(err))
		t.finishUntracked(s, deadWorker, schemas.LeaseFailed, ReasonNoReassign)
		return true
	}

	s.mu.Lock()
	s.lease.WorkerID = node.ID
	s.lease.Handle = string(handle)
	s.reassigned = true
	s.mu.Unlock()
	t.retarget(s, deadWorker, node.ID)
	t.journal.LeaseTransition(context.Background(), s.snapshot(), "reassigned")

	t.log.Info("Lease reassigned",
		zap.String("lease_id", s.lease.ID),
		zap.String("from", deadWorker),
		zap.String("to", node.ID))
	return false
}

// finish settles a lease whose worker slot is still held.
func (t *Tracker) finish(s *supervised, workerID string, state schemas.LeaseState, report schemas.StatusReport, reason string) {
	t.registry.ReleaseSlot(workerID)
	t.finishUntracked(s, workerID, state, reason, report)
}

// finishUntracked settles a lease without touching the worker slot (used
// when the slot was already released on worker loss).
func (t *Tracker) finishUntracked(s *supervised, workerID string, state schemas.LeaseState, reason string, report ...schemas.StatusReport) {
	s.mu.Lock()
	s.lease.State = state
	lease := s.lease
	s.mu.Unlock()

	var r schemas.StatusReport
	if len(report) > 0 {
		r = report[0]
	} else {
		r = schemas.StatusReport{State: schemas.TaskFailed, Error: reason}
	}

	t.untrack(s, workerID)
	t.journal.LeaseTransition(context.Background(), lease, reason)

	s.done <- Result{Lease: lease, Report: r, Reason: reason}
	close(s.done)
}

// Active returns the number of leases currently under supervision.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byLease)
}

func (s *supervised) snapshot() schemas.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease
}
