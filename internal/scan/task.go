// Package scan owns the lifecycle of a single scan task: stage sequencing,
// per-stage status transitions, weighted aggregate progress, cancellation
// propagation and terminal-state determination. All mutation goes through
// the Task's lock; callers observe state only via deep-copied snapshots.
package scan

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/config"
	"github.com/surveyor-sec/surveyor/internal/engineconfig"
)

var (
	// ErrTerminal marks a transition attempted after the scan reached a
	// terminal state.
	ErrTerminal = errors.New("scan is in a terminal state")
	// ErrStageOrder marks an out-of-order stage transition, e.g. starting
	// a stage while another is still running.
	ErrStageOrder = errors.New("invalid stage transition")
)

// SkipReasonNoTools is recorded when a stage has no enabled tools.
const SkipReasonNoTools = "skipped: no tools enabled"

// CancelReasonParent is recorded on stages cancelled because the whole scan
// was cancelled before they dispatched.
const CancelReasonParent = "parent scan cancelled"

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// StagePlan is one resolved pipeline stage: the stage key, its enabled
// tools, and the effective weight/fatality/policy after configuration
// overrides.
type StagePlan struct {
	Key    engineconfig.Stage
	Tools  []string
	Weight int
	Fatal  bool
	Policy engineconfig.FailurePolicy
}

// toolOutcome is the folded result of one tool invocation.
type toolOutcome struct {
	success bool
	err     string
}

// Task is the in-memory state machine of one scan.
type Task struct {
	mu sync.Mutex

	record schemas.ScanTask
	plan   []StagePlan
	config *engineconfig.EngineConfiguration

	outcomes    map[engineconfig.Stage]map[string]toolOutcome
	totalWeight int
	doneWeight  int
	stageStart  map[engineconfig.Stage]time.Time

	now Clock
	log *zap.Logger
}

// Option customizes a Task.
type Option func(*Task)

// WithClock substitutes the time source. Tests only.
func WithClock(now Clock) Option {
	return func(t *Task) { t.now = now }
}

// New builds the stage pipeline for a scan from its parsed engine
// configuration, applying any per-stage overrides from the pipeline
// configuration. The scan starts in the initiated state.
func New(id string, req schemas.ScanRequest, cfg *engineconfig.EngineConfiguration, pipeline config.PipelineConfig, logger *zap.Logger, opts ...Option) *Task {
	t := &Task{
		record: schemas.ScanTask{
			ID:            id,
			TargetID:      req.TargetID,
			EngineIDs:     append([]string(nil), req.EngineIDs...),
			EngineNames:   append([]string(nil), req.EngineNames...),
			Status:        schemas.ScanInitiated,
			StageProgress: make(map[string]schemas.StageProgressItem),
		},
		config:     cfg,
		outcomes:   make(map[engineconfig.Stage]map[string]toolOutcome),
		stageStart: make(map[engineconfig.Stage]time.Time),
		now:        time.Now,
		log:        logger.Named("scan").With(zap.String("scan_id", id)),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.record.CreatedAt = t.now()

	for i, stage := range cfg.Stages() {
		info, _ := engineconfig.Info(stage)
		plan := StagePlan{
			Key:    stage,
			Tools:  cfg.EnabledTools(stage),
			Weight: info.Weight,
			Fatal:  info.Fatal,
			Policy: info.Policy,
		}
		if w, ok := pipeline.StageWeights[string(stage)]; ok {
			plan.Weight = w
		}
		if fatal, ok := pipeline.FatalStages[string(stage)]; ok {
			plan.Fatal = fatal
		}
		if policy, ok := pipeline.StagePolicy[string(stage)]; ok {
			plan.Policy = engineconfig.FailurePolicy(policy)
		}
		t.plan = append(t.plan, plan)
		t.totalWeight += plan.Weight
		t.record.StageProgress[string(stage)] = schemas.StageProgressItem{
			Status: schemas.StagePending,
			Order:  i,
		}
	}
	return t
}

// ID returns the scan's identifier.
func (t *Task) ID() string { return t.record.ID }

// Config returns the immutable engine configuration of this scan.
func (t *Task) Config() *engineconfig.EngineConfiguration { return t.config }

// Plan returns the resolved stage pipeline in execution order.
func (t *Task) Plan() []StagePlan {
	return append([]StagePlan(nil), t.plan...)
}

// Snapshot returns a deep copy of the scan record.
func (t *Task) Snapshot() schemas.ScanTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() schemas.ScanTask {
	rec := t.record
	rec.EngineIDs = append([]string(nil), t.record.EngineIDs...)
	rec.EngineNames = append([]string(nil), t.record.EngineNames...)
	rec.StageProgress = make(map[string]schemas.StageProgressItem, len(t.record.StageProgress))
	for k, v := range t.record.StageProgress {
		rec.StageProgress[k] = v
	}
	if t.record.StoppedAt != nil {
		stopped := *t.record.StoppedAt
		rec.StoppedAt = &stopped
	}
	return rec
}

// Begin moves the scan from initiated to running. Called on the first
// stage dispatch attempt.
func (t *Task) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record.Status.Terminal() {
		return ErrTerminal
	}
	if t.record.Status != schemas.ScanInitiated {
		return fmt.Errorf("%w: begin from %s", ErrStageOrder, t.record.Status)
	}
	t.record.Status = schemas.ScanRunning
	t.log.Info("Scan running")
	return nil
}

// StartStage transitions a pending stage to running. At most one stage may
// run at a time; stage N never starts before stage N-1 is terminal.
func (t *Task) StartStage(stage engineconfig.Stage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record.Status.Terminal() {
		return ErrTerminal
	}
	if t.record.CurrentStage != "" {
		return fmt.Errorf("%w: stage %s still running", ErrStageOrder, t.record.CurrentStage)
	}
	item, ok := t.record.StageProgress[string(stage)]
	if !ok || item.Status != schemas.StagePending {
		return fmt.Errorf("%w: stage %s is not pending", ErrStageOrder, stage)
	}

	started := t.now()
	item.Status = schemas.StageRunning
	item.StartedAt = &started
	t.record.StageProgress[string(stage)] = item
	t.record.CurrentStage = string(stage)
	t.stageStart[stage] = started
	t.outcomes[stage] = make(map[string]toolOutcome)
	t.log.Info("Stage running", zap.String("stage", string(stage)))
	return nil
}

// FinishTool folds one tool's terminal outcome into the running stage.
// Exactly one call per (stage, tool) reaches the state machine; the tracker
// guarantees that.
func (t *Task) FinishTool(stage engineconfig.Stage, tool string, success bool, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stageOutcomes, ok := t.outcomes[stage]
	if !ok {
		t.log.Warn("Tool outcome for stage that never started",
			zap.String("stage", string(stage)), zap.String("tool", tool))
		return
	}
	stageOutcomes[tool] = toolOutcome{success: success, err: errMsg}
	if success {
		t.log.Info("Tool completed", zap.String("stage", string(stage)), zap.String("tool", tool))
	} else {
		t.log.Warn("Tool failed",
			zap.String("stage", string(stage)),
			zap.String("tool", tool),
			zap.String("error", errMsg))
	}
}

// SettleStage resolves a running stage once all its tool outcomes are in,
// applying the stage's failure policy. It returns the resulting stage
// status and whether the failure (if any) is fatal to the scan.
func (t *Task) SettleStage(stage engineconfig.Stage) (schemas.StageStatus, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record.Status.Terminal() {
		return "", false, ErrTerminal
	}
	plan, ok := t.planFor(stage)
	if !ok {
		return "", false, fmt.Errorf("%w: stage %s not in plan", ErrStageOrder, stage)
	}
	item := t.record.StageProgress[string(stage)]
	if item.Status != schemas.StageRunning {
		return "", false, fmt.Errorf("%w: settle on %s stage %s", ErrStageOrder, item.Status, stage)
	}

	succeeded, failed := 0, 0
	var firstErr string
	for _, tool := range plan.Tools {
		outcome, reported := t.outcomes[stage][tool]
		switch {
		case reported && outcome.success:
			succeeded++
		default:
			failed++
			if firstErr == "" {
				if reported && outcome.err != "" {
					firstErr = fmt.Sprintf("%s: %s", tool, outcome.err)
				} else {
					firstErr = fmt.Sprintf("%s: no result reported", tool)
				}
			}
		}
	}

	stageOK := failed == 0
	if plan.Policy == engineconfig.AnySuccess {
		stageOK = succeeded > 0
	}

	detail := fmt.Sprintf("%d/%d tools succeeded", succeeded, len(plan.Tools))
	if stageOK {
		t.completeStageLocked(stage, detail)
		return schemas.StageCompleted, false, nil
	}
	t.failStageLocked(stage, firstErr, detail)
	return schemas.StageFailed, plan.Fatal, nil
}

// SkipStage completes a pending stage without dispatching. Used for stages
// whose configuration enables no tools.
func (t *Task) SkipStage(stage engineconfig.Stage, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record.Status.Terminal() {
		return ErrTerminal
	}
	item, ok := t.record.StageProgress[string(stage)]
	if !ok || item.Status != schemas.StagePending {
		return fmt.Errorf("%w: skip on non-pending stage %s", ErrStageOrder, stage)
	}
	item.Status = schemas.StageCompleted
	item.Reason = reason
	t.record.StageProgress[string(stage)] = item
	t.advanceProgressLocked(stage)
	t.log.Info("Stage skipped", zap.String("stage", string(stage)), zap.String("reason", reason))
	return nil
}

// CancelStage marks the running stage cancelled. Lease cancellation toward
// workers is the tracker's responsibility and is already underway when this
// is called.
func (t *Task) CancelStage(stage engineconfig.Stage, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.record.StageProgress[string(stage)]
	if !ok || item.Status.Terminal() {
		return
	}
	item.Status = schemas.StageCancelled
	item.Reason = reason
	item.Duration = t.stageDurationLocked(stage)
	t.record.StageProgress[string(stage)] = item
	if t.record.CurrentStage == string(stage) {
		t.record.CurrentStage = ""
	}
}

// Complete moves a running scan to completed and pins progress at 100.
func (t *Task) Complete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record.Status.Terminal() {
		return ErrTerminal
	}
	t.record.Status = schemas.ScanCompleted
	t.record.Progress = 100
	t.record.CurrentStage = ""
	t.stopLocked()
	t.log.Info("Scan completed")
	return nil
}

// Fail moves the scan to failed. This is the only path that sets the
// top-level error message; partial stage failures inside a completed scan
// stay in the per-stage records.
func (t *Task) Fail(errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record.Status.Terminal() {
		return ErrTerminal
	}
	t.record.Status = schemas.ScanFailed
	t.record.ErrorMessage = errMsg
	t.record.CurrentStage = ""
	t.stopLocked()
	t.log.Warn("Scan failed", zap.String("error", errMsg))
	return nil
}

// Cancel moves the scan to cancelled and marks every non-terminal stage
// cancelled: the running one keeps its own reason, pending ones record that
// the parent scan was cancelled and never dispatch.
func (t *Task) Cancel(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record.Status.Terminal() {
		return ErrTerminal
	}
	for _, plan := range t.plan {
		item := t.record.StageProgress[string(plan.Key)]
		if item.Status.Terminal() {
			continue
		}
		if item.Status == schemas.StageRunning {
			item.Reason = reason
			item.Duration = t.stageDurationLocked(plan.Key)
		} else {
			item.Reason = CancelReasonParent
		}
		item.Status = schemas.StageCancelled
		t.record.StageProgress[string(plan.Key)] = item
	}
	t.record.Status = schemas.ScanCancelled
	t.record.CurrentStage = ""
	t.stopLocked()
	t.log.Info("Scan cancelled", zap.String("reason", reason))
	return nil
}

// Progress returns the current aggregate progress (0-100).
func (t *Task) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record.Progress
}

// Status returns the current overall status.
func (t *Task) Status() schemas.ScanStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record.Status
}

func (t *Task) planFor(stage engineconfig.Stage) (StagePlan, bool) {
	for _, p := range t.plan {
		if p.Key == stage {
			return p, true
		}
	}
	return StagePlan{}, false
}

func (t *Task) completeStageLocked(stage engineconfig.Stage, detail string) {
	item := t.record.StageProgress[string(stage)]
	item.Status = schemas.StageCompleted
	item.Detail = detail
	item.Duration = t.stageDurationLocked(stage)
	t.record.StageProgress[string(stage)] = item
	if t.record.CurrentStage == string(stage) {
		t.record.CurrentStage = ""
	}
	t.advanceProgressLocked(stage)
	t.log.Info("Stage completed",
		zap.String("stage", string(stage)),
		zap.String("detail", detail),
		zap.Int("progress", t.record.Progress))
}

func (t *Task) failStageLocked(stage engineconfig.Stage, errMsg, detail string) {
	item := t.record.StageProgress[string(stage)]
	item.Status = schemas.StageFailed
	item.Error = errMsg
	item.Detail = detail
	item.Duration = t.stageDurationLocked(stage)
	t.record.StageProgress[string(stage)] = item
	if t.record.CurrentStage == string(stage) {
		t.record.CurrentStage = ""
	}
	t.log.Warn("Stage failed",
		zap.String("stage", string(stage)),
		zap.String("error", errMsg))
}

// advanceProgressLocked folds a completed stage's weight into the
// aggregate. Progress only ever grows while the scan runs; completion pins
// it at 100.
func (t *Task) advanceProgressLocked(stage engineconfig.Stage) {
	plan, ok := t.planFor(stage)
	if !ok || t.totalWeight == 0 {
		return
	}
	t.doneWeight += plan.Weight
	if p := 100 * t.doneWeight / t.totalWeight; p > t.record.Progress {
		t.record.Progress = p
	}
}

func (t *Task) stageDurationLocked(stage engineconfig.Stage) time.Duration {
	started, ok := t.stageStart[stage]
	if !ok {
		return 0
	}
	return t.now().Sub(started)
}

func (t *Task) stopLocked() {
	stopped := t.now()
	t.record.StoppedAt = &stopped
}
