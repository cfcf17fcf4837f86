// Package orchestrator drives scans end to end: it merges the selected
// engine configurations, walks the stage pipeline in order, fans tool
// invocations out through the tracker, and folds their outcomes back into
// the scan state machine.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/config"
	"github.com/surveyor-sec/surveyor/internal/engineconfig"
	"github.com/surveyor-sec/surveyor/internal/eventbus"
	"github.com/surveyor-sec/surveyor/internal/scan"
	"github.com/surveyor-sec/surveyor/internal/tracker"
)

// ErrScanNotFound is returned for operations on an unknown scan ID.
var ErrScanNotFound = errors.New("scan not found")

// Persister receives scan snapshots on every state transition. Nil disables
// persistence.
type Persister interface {
	SaveScan(ctx context.Context, scan schemas.ScanTask) error
}

// runningScan pairs the state machine with its execution context.
type runningScan struct {
	task   *scan.Task
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]struct{}
	done   chan struct{}
}

func (rs *runningScan) addLease(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.leases[id] = struct{}{}
}

func (rs *runningScan) dropLease(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.leases, id)
}

func (rs *runningScan) activeLeases() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	ids := make([]string, 0, len(rs.leases))
	for id := range rs.leases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Orchestrator owns all in-process scans.
type Orchestrator struct {
	cfg     *config.Config
	log     *zap.Logger
	tracker *tracker.Tracker
	bus     *eventbus.Bus
	persist Persister

	mu    sync.Mutex
	scans map[string]*runningScan
	wg    sync.WaitGroup
}

// New creates an orchestrator. The persister may be nil.
func New(cfg *config.Config, trk *tracker.Tracker, bus *eventbus.Bus, persist Persister, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil || trk == nil || bus == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     logger.Named("orchestrator"),
		tracker: trk,
		bus:     bus,
		persist: persist,
		scans:   make(map[string]*runningScan),
	}, nil
}

// Submit merges the request's engine configurations, builds the scan, and
// starts its pipeline goroutine. The returned snapshot is the initiated
// record; progress is observed via Get.
func (o *Orchestrator) Submit(ctx context.Context, req schemas.ScanRequest) (schemas.ScanTask, error) {
	if req.TargetID == "" {
		return schemas.ScanTask{}, fmt.Errorf("scan request has no target")
	}
	if len(req.EngineYAMLs) == 0 {
		return schemas.ScanTask{}, fmt.Errorf("scan request has no engine configuration")
	}

	parsed := make([]*engineconfig.EngineConfiguration, 0, len(req.EngineYAMLs))
	for i, doc := range req.EngineYAMLs {
		cfg, err := engineconfig.Parse(doc)
		if err != nil {
			return schemas.ScanTask{}, fmt.Errorf("engine configuration %d is invalid: %w", i, err)
		}
		parsed = append(parsed, cfg)
	}
	merged, err := engineconfig.Merge(parsed...)
	if err != nil {
		return schemas.ScanTask{}, fmt.Errorf("failed to merge engine configurations: %w", err)
	}

	id := uuid.New().String()
	task := scan.New(id, req, merged, o.cfg.Pipeline, o.log)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rs := &runningScan{
		task:   task,
		cancel: cancel,
		leases: make(map[string]struct{}),
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	o.scans[id] = rs
	o.mu.Unlock()

	snapshot := task.Snapshot()
	o.saveSnapshot(ctx, snapshot)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(rs.done)
		o.run(runCtx, rs)
	}()

	o.log.Info("Scan submitted",
		zap.String("scan_id", id),
		zap.String("target_id", req.TargetID),
		zap.Strings("engines", req.EngineNames))
	return snapshot, nil
}

// Cancel stops a scan. Pending stages never dispatch; active leases are
// cancelled through the tracker with the configured grace period.
func (o *Orchestrator) Cancel(ctx context.Context, scanID, reason string) error {
	o.mu.Lock()
	rs, ok := o.scans[scanID]
	o.mu.Unlock()
	if !ok {
		return ErrScanNotFound
	}

	if err := rs.task.Cancel(reason); err != nil {
		return err
	}
	rs.cancel()
	for _, leaseID := range rs.activeLeases() {
		if err := o.tracker.Cancel(ctx, leaseID); err != nil && !errors.Is(err, tracker.ErrUnknownLease) {
			o.log.Warn("Failed to cancel lease",
				zap.String("scan_id", scanID),
				zap.String("lease_id", leaseID),
				zap.Error(err))
		}
	}

	snapshot := rs.task.Snapshot()
	o.saveSnapshot(ctx, snapshot)
	o.bus.Publish(schemas.Event{
		Type:    schemas.EventScanCancelled,
		ScanID:  scanID,
		Message: reason,
	})
	return nil
}

// Get returns the current snapshot of a scan.
func (o *Orchestrator) Get(scanID string) (schemas.ScanTask, error) {
	o.mu.Lock()
	rs, ok := o.scans[scanID]
	o.mu.Unlock()
	if !ok {
		return schemas.ScanTask{}, ErrScanNotFound
	}
	return rs.task.Snapshot(), nil
}

// List returns snapshots of all scans known to this process, newest first.
func (o *Orchestrator) List() []schemas.ScanTask {
	o.mu.Lock()
	running := make([]*runningScan, 0, len(o.scans))
	for _, rs := range o.scans {
		running = append(running, rs)
	}
	o.mu.Unlock()

	scans := make([]schemas.ScanTask, 0, len(running))
	for _, rs := range running {
		scans = append(scans, rs.task.Snapshot())
	}
	sort.Slice(scans, func(i, j int) bool {
		return scans[i].CreatedAt.After(scans[j].CreatedAt)
	})
	return scans
}

// Wait blocks until a scan's pipeline goroutine has finished. Primarily for
// the CLI's synchronous mode and tests.
func (o *Orchestrator) Wait(ctx context.Context, scanID string) error {
	o.mu.Lock()
	rs, ok := o.scans[scanID]
	o.mu.Unlock()
	if !ok {
		return ErrScanNotFound
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rs.done:
		return nil
	}
}

// Shutdown waits for all scan goroutines to drain.
func (o *Orchestrator) Shutdown() {
	o.wg.Wait()
}

// run walks the pipeline of one scan to a terminal state.
func (o *Orchestrator) run(ctx context.Context, rs *runningScan) {
	task := rs.task
	scanID := task.ID()

	if err := task.Begin(); err != nil {
		// Cancelled between Submit and the goroutine getting scheduled.
		o.saveSnapshot(ctx, task.Snapshot())
		return
	}
	o.saveSnapshot(ctx, task.Snapshot())
	o.bus.Publish(schemas.Event{Type: schemas.EventScanStarted, ScanID: scanID})

	// The first stage sees one input, the target itself. Later stages see
	// the output volume of the previous settled stage, which drives auto
	// timeout resolution.
	inputCount := 1

	for _, plan := range task.Plan() {
		if task.Status().Terminal() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if len(plan.Tools) == 0 {
			if err := task.SkipStage(plan.Key, scan.SkipReasonNoTools); err != nil {
				break
			}
			o.saveSnapshot(ctx, task.Snapshot())
			continue
		}

		produced, ok := o.runStage(ctx, rs, plan, inputCount)
		if !ok {
			break
		}
		if produced > 0 {
			inputCount = produced
		}
	}

	// A scan that walked off the end of the pipeline without a terminal
	// transition completed.
	if err := task.Complete(); err == nil {
		o.bus.Publish(schemas.Event{Type: schemas.EventScanCompleted, ScanID: scanID})
	}
	o.saveSnapshot(ctx, task.Snapshot())
}

// runStage dispatches all enabled tools of one stage and settles it. It
// returns the number of result lines the stage produced and whether the
// pipeline should continue.
func (o *Orchestrator) runStage(ctx context.Context, rs *runningScan, plan scan.StagePlan, inputCount int) (int, bool) {
	task := rs.task
	scanID := task.ID()

	if err := task.StartStage(plan.Key); err != nil {
		return 0, false
	}
	o.saveSnapshot(ctx, task.Snapshot())

	var (
		outMu    sync.Mutex
		produced int
	)

	g := new(errgroup.Group)
	for _, tool := range plan.Tools {
		toolCfg, ok := task.Config().Tool(plan.Key, tool)
		if !ok {
			continue
		}
		inv := schemas.Invocation{
			ScanID:  scanID,
			Stage:   string(plan.Key),
			Tool:    tool,
			Params:  toolCfg.Params,
			Timeout: toolCfg.ResolveTimeout(plan.Key, inputCount),
		}

		tool := tool
		g.Go(func() error {
			lease, results, err := o.tracker.Launch(ctx, inv)
			if err != nil {
				task.FinishTool(plan.Key, tool, false, err.Error())
				return nil
			}
			rs.addLease(lease.ID)
			defer rs.dropLease(lease.ID)

			res := <-results
			success := res.Lease.State == schemas.LeaseCompleted &&
				res.Report.State == schemas.TaskCompleted
			errMsg := res.Reason
			if errMsg == "" {
				errMsg = res.Report.Error
			}
			task.FinishTool(plan.Key, tool, success, errMsg)

			if success {
				lines := countLines(res.Report.Result)
				outMu.Lock()
				produced += lines
				outMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if task.Status().Terminal() {
		// Cancelled while tools were in flight; Cancel already published.
		o.saveSnapshot(ctx, task.Snapshot())
		return 0, false
	}

	status, fatal, err := task.SettleStage(plan.Key)
	if err != nil {
		return 0, false
	}
	o.saveSnapshot(ctx, task.Snapshot())
	o.bus.Publish(schemas.Event{
		Type:    schemas.EventStageCompleted,
		ScanID:  scanID,
		Stage:   string(plan.Key),
		Message: string(status),
	})

	if status == schemas.StageFailed && fatal {
		msg := fmt.Sprintf("fatal stage %s failed", plan.Key)
		if ferr := task.Fail(msg); ferr == nil {
			o.bus.Publish(schemas.Event{
				Type:    schemas.EventScanFailed,
				ScanID:  scanID,
				Stage:   string(plan.Key),
				Message: msg,
			})
		}
		o.saveSnapshot(ctx, task.Snapshot())
		return 0, false
	}
	return produced, true
}

func (o *Orchestrator) saveSnapshot(ctx context.Context, snapshot schemas.ScanTask) {
	if o.persist == nil {
		return
	}
	if err := o.persist.SaveScan(ctx, snapshot); err != nil {
		o.log.Error("Failed to persist scan snapshot",
			zap.String("scan_id", snapshot.ID),
			zap.Error(err))
	}
}

// countLines counts non-empty newline-separated entries in a tool's output.
func countLines(out []byte) int {
	n := 0
	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
