package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/config"
	"github.com/surveyor-sec/surveyor/internal/engineconfig"
	"github.com/surveyor-sec/surveyor/internal/registry"
)

// localTask tracks one in-process tool execution.
type localTask struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	report schemas.StatusReport
}

// LocalAgent is the zero-configuration worker that runs inside the core
// process. It self-registers with the full capability set at startup,
// pushes gopsutil-sampled heartbeats into the registry, and executes tools
// as local subprocesses. It implements Client so the dispatcher treats the
// local node exactly like a remote one.
type LocalAgent struct {
	cfg      config.AgentConfig
	registry *registry.Registry
	log      *zap.Logger

	workerID string

	mu    sync.Mutex
	tasks map[Handle]*localTask
}

// NewLocalAgent creates the local agent. Start must be called before any
// dispatch.
func NewLocalAgent(cfg config.AgentConfig, reg *registry.Registry, logger *zap.Logger) *LocalAgent {
	return &LocalAgent{
		cfg:      cfg,
		registry: reg,
		log:      logger.Named("local_agent"),
		tasks:    make(map[Handle]*localTask),
	}
}

// WorkerID returns the registry ID of the local node. Empty before Start.
func (a *LocalAgent) WorkerID() string { return a.workerID }

// Start registers the local worker and launches the heartbeat loop. The
// loop stops when the context is cancelled, after which the worker ages out
// via the registry sweep.
func (a *LocalAgent) Start(ctx context.Context) error {
	caps := make([]string, 0, len(engineconfig.AllStages()))
	for _, s := range engineconfig.AllStages() {
		caps = append(caps, string(s))
	}
	node, err := a.registry.Register(registry.RegisterRequest{
		Name:         a.cfg.LocalWorkerName,
		Kind:         schemas.WorkerLocal,
		Capabilities: caps,
	})
	if err != nil {
		return fmt.Errorf("failed to register local worker: %w", err)
	}
	a.workerID = node.ID

	// First heartbeat immediately so the node is dispatchable before the
	// first tick.
	a.heartbeat(ctx)

	go func() {
		ticker := time.NewTicker(a.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = a.registry.MarkOffline(a.workerID)
				return
			case <-ticker.C:
				a.heartbeat(ctx)
			}
		}
	}()
	return nil
}

// heartbeat samples host load and pushes it into the registry. Sampling
// failures degrade to a zero report rather than skipping the beat; liveness
// matters more than the load figures.
func (a *LocalAgent) heartbeat(ctx context.Context) {
	var load schemas.Load
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		load.CPUPercent = percents[0]
	} else if err != nil {
		a.log.Debug("CPU sample failed", zap.Error(err))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		load.MemPercent = vm.UsedPercent
	} else {
		a.log.Debug("Memory sample failed", zap.Error(err))
	}
	if du, err := disk.UsageWithContext(ctx, a.cfg.WorkDir); err == nil {
		load.DiskPercent = du.UsedPercent
	} else if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		load.DiskPercent = du.UsedPercent
	}

	if err := a.registry.Heartbeat(a.workerID, load); err != nil {
		a.log.Warn("Heartbeat rejected", zap.Error(err))
	}
}

// Dispatch implements Client by spawning the tool as a subprocess. The
// returned handle resolves status and cancellation for exactly this run.
func (a *LocalAgent) Dispatch(ctx context.Context, inv schemas.Invocation) (Handle, error) {
	handle := Handle(uuid.New().String())

	// The task outlives the dispatch call; its lifetime is bounded by the
	// invocation timeout, not the caller's context.
	taskCtx, cancel := context.WithTimeout(context.Background(), inv.Timeout)
	task := &localTask{
		cancel: cancel,
		report: schemas.StatusReport{State: schemas.TaskRunning},
	}

	a.mu.Lock()
	a.tasks[handle] = task
	a.mu.Unlock()

	name, args := buildCommand(inv)
	a.log.Info("Executing tool",
		zap.String("scan_id", inv.ScanID),
		zap.String("stage", inv.Stage),
		zap.String("tool", inv.Tool),
		zap.Duration("timeout", inv.Timeout))

	go func() {
		defer cancel()
		cmd := exec.CommandContext(taskCtx, name, args...)
		cmd.Dir = a.cfg.WorkDir
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()

		task.mu.Lock()
		defer task.mu.Unlock()
		task.report.Result = stdout.Bytes()
		if err != nil {
			task.report.State = schemas.TaskFailed
			if cmd.ProcessState != nil {
				task.report.ExitCode = cmd.ProcessState.ExitCode()
			} else {
				task.report.ExitCode = -1
			}
			task.report.Error = fmt.Sprintf("%v: %s", err, bytes.TrimSpace(stderr.Bytes()))
			return
		}
		task.report.State = schemas.TaskCompleted
	}()

	return handle, nil
}

// Status implements Client.
func (a *LocalAgent) Status(_ context.Context, h Handle) (schemas.StatusReport, error) {
	a.mu.Lock()
	task, ok := a.tasks[h]
	a.mu.Unlock()
	if !ok {
		return schemas.StatusReport{}, fmt.Errorf("unknown task handle %q", h)
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	report := task.report
	report.Result = append([]byte(nil), task.report.Result...)
	return report, nil
}

// Cancel implements Client by killing the subprocess via its context.
func (a *LocalAgent) Cancel(_ context.Context, h Handle) error {
	a.mu.Lock()
	task, ok := a.tasks[h]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task handle %q", h)
	}
	task.cancel()
	return nil
}

// Release drops the bookkeeping of a finished task.
func (a *LocalAgent) Release(h Handle) {
	a.mu.Lock()
	delete(a.tasks, h)
	a.mu.Unlock()
}

// buildCommand maps an invocation to an argv. The tool name is the binary;
// parameters become sorted "-key value" flags, with "target" passed as the
// positional argument. Tool-specific output parsing happens downstream, not
// here.
func buildCommand(inv schemas.Invocation) (string, []string) {
	keys := make([]string, 0, len(inv.Params))
	for k := range inv.Params {
		if k == "target" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		args = append(args, "-"+k)
		if v := inv.Params[k]; v != "" {
			args = append(args, v)
		}
	}
	if target := inv.Params["target"]; target != "" {
		args = append(args, target)
	}
	return inv.Tool, args
}
