// Package registry maintains the live set of worker nodes: declared
// capabilities, most recent load report and heartbeat-derived liveness.
// The registry only tracks liveness; remediation of lost workers is the
// tracker's job, driven by the offline events published here.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/config"
)

var (
	// ErrUnknownWorker marks operations against an unregistered worker ID.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrWorkerBusy marks a removal attempt while leases are in flight.
	ErrWorkerBusy = errors.New("worker has in-flight tasks")
)

// Clock abstracts time.Now so liveness can be tested against a simulated
// clock.
type Clock func() time.Time

// StatusEvent is published on liveness transitions: the sweep or an explicit
// MarkOffline flipping a worker offline, and a heartbeat bringing it back.
// The tracker uses offline events to orphan the worker's active leases.
type StatusEvent struct {
	WorkerID string
	Name     string
	Status   schemas.WorkerStatus
}

// RegisterRequest enrolls a worker. Local workers self-register at startup;
// remote workers enroll explicitly.
type RegisterRequest struct {
	Name         string
	Kind         schemas.WorkerKind
	Capabilities []string
}

// worker pairs a node record with its own lock. Field updates (heartbeats,
// slot counters, status flips) contend only on this lock, so unrelated
// scans never serialize on each other's dispatch decisions.
type worker struct {
	mu             sync.Mutex
	node           schemas.WorkerNode
	pendingRemoval bool
}

// Registry is the single shared mutable resource of the core. The top-level
// lock guards only map membership; all per-worker state sits behind the
// worker's own mutex.
type Registry struct {
	cfg config.RegistryConfig
	log *zap.Logger
	now Clock

	mu      sync.RWMutex
	workers map[string]*worker
	byName  map[string]string

	events chan StatusEvent
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock substitutes the time source. Tests only.
func WithClock(now Clock) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(cfg config.RegistryConfig, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		cfg:     cfg,
		log:     logger.Named("registry"),
		now:     time.Now,
		workers: make(map[string]*worker),
		byName:  make(map[string]string),
		events:  make(chan StatusEvent, 64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the liveness-transition stream.
func (r *Registry) Events() <-chan StatusEvent {
	return r.events
}

// Register enrolls a worker and returns its node record. Registration is
// idempotent by name: re-registering an existing worker refreshes its
// capabilities and returns the existing ID.
func (r *Registry) Register(req RegisterRequest) (schemas.WorkerNode, error) {
	if req.Name == "" {
		return schemas.WorkerNode{}, errors.New("worker name is required")
	}
	if len(req.Capabilities) == 0 {
		return schemas.WorkerNode{}, errors.New("worker must declare at least one capability")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[req.Name]; ok {
		w := r.workers[id]
		w.mu.Lock()
		w.node.Capabilities = append([]string(nil), req.Capabilities...)
		w.node.Kind = req.Kind
		node := w.node
		w.mu.Unlock()
		r.log.Info("Worker re-registered", zap.String("worker_id", id), zap.String("name", req.Name))
		return node, nil
	}

	now := r.now()
	node := schemas.WorkerNode{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Kind:          req.Kind,
		Capabilities:  append([]string(nil), req.Capabilities...),
		Status:        schemas.WorkerOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.workers[node.ID] = &worker{node: node}
	r.byName[req.Name] = node.ID
	r.log.Info("Worker registered",
		zap.String("worker_id", node.ID),
		zap.String("name", node.Name),
		zap.String("kind", string(node.Kind)),
		zap.Strings("capabilities", node.Capabilities))
	return node, nil
}

// Heartbeat records a liveness and load report. The load dimensions are
// written together under the worker's lock, so a concurrent reader never
// observes a half-applied report.
func (r *Registry) Heartbeat(id string, load schemas.Load) error {
	w, ok := r.lookup(id)
	if !ok {
		return ErrUnknownWorker
	}
	w.mu.Lock()
	wasOffline := w.node.Status == schemas.WorkerOffline
	w.node.Load = load
	w.node.LastHeartbeat = r.now()
	w.node.Status = schemas.WorkerOnline
	name := w.node.Name
	w.mu.Unlock()
	if wasOffline {
		r.log.Info("Worker back online", zap.String("worker_id", id), zap.String("name", name))
		r.publishStatus(id, name, schemas.WorkerOnline)
	}
	return nil
}

// Get returns a consistent snapshot of one worker.
func (r *Registry) Get(id string) (schemas.WorkerNode, bool) {
	w, ok := r.lookup(id)
	if !ok {
		return schemas.WorkerNode{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return snapshot(w), true
}

// List returns snapshots of every registered worker, ordered by ID.
func (r *Registry) List() []schemas.WorkerNode {
	return r.collect(func(*worker) bool { return true })
}

// ListOnline returns the online workers that declared the given capability
// (all online workers when capability is empty). Liveness is evaluated
// against the heartbeat timeout at call time, not the last sweep, so a
// stale worker disappears from selection immediately.
func (r *Registry) ListOnline(capability string) []schemas.WorkerNode {
	cutoff := r.now().Add(-r.cfg.HeartbeatTimeout)
	return r.collect(func(w *worker) bool {
		if w.pendingRemoval || !w.node.LastHeartbeat.After(cutoff) {
			return false
		}
		if w.node.Status == schemas.WorkerOffline {
			return false
		}
		return capability == "" || w.node.HasCapability(capability)
	})
}

// MarkOffline flips a worker to offline explicitly, e.g. on its graceful
// shutdown, and publishes the offline event.
func (r *Registry) MarkOffline(id string) error {
	w, ok := r.lookup(id)
	if !ok {
		return ErrUnknownWorker
	}
	w.mu.Lock()
	wasOnline := w.node.Status == schemas.WorkerOnline
	w.node.Status = schemas.WorkerOffline
	name := w.node.Name
	w.mu.Unlock()
	if wasOnline {
		r.publishStatus(id, name, schemas.WorkerOffline)
	}
	return nil
}

// Remove deletes a worker. Removal is refused while the worker still holds
// in-flight leases; callers cancel or reassign those first.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.node.InFlight > 0 {
		w.pendingRemoval = true
		return ErrWorkerBusy
	}
	delete(r.workers, id)
	delete(r.byName, w.node.Name)
	r.log.Info("Worker removed", zap.String("worker_id", id), zap.String("name", w.node.Name))
	return nil
}

// AcquireSlot increments the worker's in-flight counter at lease creation.
// The atomic increment is what spreads a burst of concurrent dispatches
// across workers without a separate reservation phase.
func (r *Registry) AcquireSlot(id string) error {
	w, ok := r.lookup(id)
	if !ok {
		return ErrUnknownWorker
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.node.InFlight++
	return nil
}

// ReleaseSlot decrements the in-flight counter when a lease terminates, and
// completes any removal deferred by in-flight work.
func (r *Registry) ReleaseSlot(id string) {
	w, ok := r.lookup(id)
	if !ok {
		return
	}
	w.mu.Lock()
	if w.node.InFlight > 0 {
		w.node.InFlight--
	}
	removable := w.pendingRemoval && w.node.InFlight == 0
	w.mu.Unlock()
	if removable {
		_ = r.Remove(id)
	}
}

// Sweep flips workers whose heartbeat aged past the timeout to offline and
// publishes one offline event per transition. Returns the flipped IDs.
func (r *Registry) Sweep() []string {
	cutoff := r.now().Add(-r.cfg.HeartbeatTimeout)
	var flipped []string

	r.mu.RLock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	for _, w := range workers {
		w.mu.Lock()
		stale := w.node.Status == schemas.WorkerOnline && !w.node.LastHeartbeat.After(cutoff)
		var id, name string
		if stale {
			w.node.Status = schemas.WorkerOffline
			id, name = w.node.ID, w.node.Name
		}
		w.mu.Unlock()
		if stale {
			r.log.Warn("Worker heartbeat timed out",
				zap.String("worker_id", id),
				zap.String("name", name),
				zap.Duration("timeout", r.cfg.HeartbeatTimeout))
			r.publishStatus(id, name, schemas.WorkerOffline)
			flipped = append(flipped, id)
		}
	}
	return flipped
}

// Run executes the sweep loop until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) lookup(id string) (*worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

func (r *Registry) collect(keep func(*worker) bool) []schemas.WorkerNode {
	r.mu.RLock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	var out []schemas.WorkerNode
	for _, w := range workers {
		w.mu.Lock()
		if keep(w) {
			out = append(out, snapshot(w))
		}
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// publishStatus must not block heartbeat or sweep paths; a full channel
// drops the event and logs instead.
func (r *Registry) publishStatus(id, name string, status schemas.WorkerStatus) {
	select {
	case r.events <- StatusEvent{WorkerID: id, Name: name, Status: status}:
	default:
		r.log.Warn("Status event channel full, dropping event",
			zap.String("worker_id", id), zap.String("status", string(status)))
	}
}

// snapshot copies the node under the caller-held worker lock.
func snapshot(w *worker) schemas.WorkerNode {
	node := w.node
	node.Capabilities = append([]string(nil), w.node.Capabilities...)
	return node
}
