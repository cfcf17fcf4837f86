package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/config"
	"github.com/surveyor-sec/surveyor/internal/engineconfig"
)

const pipelineYAML = `
subdomain_discovery:
  subfinder:
    enabled: true
port_scan:
  naabu:
    enabled: true
  masscan:
    enabled: true
site_scan:
  httpx:
    enabled: false
vuln_scan:
  nuclei:
    enabled: true
`

func newTestTask(t *testing.T, pipeline config.PipelineConfig) *Task {
	t.Helper()
	cfg, err := engineconfig.Parse(pipelineYAML)
	require.NoError(t, err)
	req := schemas.ScanRequest{TargetID: "target-1", EngineNames: []string{"full"}}
	return New("scan-1", req, cfg, pipeline, zap.NewNop())
}

func TestNewBuildsPlan(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{})
	plan := task.Plan()
	require.Len(t, plan, 4)

	assert.Equal(t, engineconfig.StageSubdomainDiscovery, plan[0].Key)
	assert.Equal(t, engineconfig.StagePortScan, plan[1].Key)
	assert.Equal(t, []string{"masscan", "naabu"}, plan[1].Tools)
	// site_scan stays in the plan with no tools; the orchestrator skips it.
	assert.Empty(t, plan[2].Tools)

	snap := task.Snapshot()
	assert.Equal(t, schemas.ScanInitiated, snap.Status)
	assert.Zero(t, snap.Progress)
	for _, item := range snap.StageProgress {
		assert.Equal(t, schemas.StagePending, item.Status)
	}
}

func TestPipelineOverrides(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{
		StageWeights: map[string]int{"port_scan": 50},
		FatalStages:  map[string]bool{"port_scan": false},
		StagePolicy:  map[string]string{"port_scan": "all_success"},
	})
	plan := task.Plan()
	assert.Equal(t, 50, plan[1].Weight)
	assert.False(t, plan[1].Fatal)
	assert.Equal(t, engineconfig.AllSuccess, plan[1].Policy)
}

func TestHappyPathLifecycle(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{})
	require.NoError(t, task.Begin())
	assert.Equal(t, schemas.ScanRunning, task.Status())

	var lastProgress int
	for _, plan := range task.Plan() {
		if len(plan.Tools) == 0 {
			require.NoError(t, task.SkipStage(plan.Key, SkipReasonNoTools))
		} else {
			require.NoError(t, task.StartStage(plan.Key))
			assert.Equal(t, string(plan.Key), task.Snapshot().CurrentStage)
			for _, tool := range plan.Tools {
				task.FinishTool(plan.Key, tool, true, "")
			}
			status, fatal, err := task.SettleStage(plan.Key)
			require.NoError(t, err)
			assert.Equal(t, schemas.StageCompleted, status)
			assert.False(t, fatal)
		}
		p := task.Progress()
		assert.GreaterOrEqual(t, p, lastProgress, "progress must be monotonic")
		lastProgress = p
	}

	require.NoError(t, task.Complete())
	snap := task.Snapshot()
	assert.Equal(t, schemas.ScanCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Empty(t, snap.CurrentStage)
	assert.Empty(t, snap.ErrorMessage)
	require.NotNil(t, snap.StoppedAt)

	item := snap.StageProgress["port_scan"]
	assert.Equal(t, "2/2 tools succeeded", item.Detail)
}

func TestSingleRunningStageInvariant(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{})
	require.NoError(t, task.Begin())
	require.NoError(t, task.StartStage(engineconfig.StageSubdomainDiscovery))

	err := task.StartStage(engineconfig.StagePortScan)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageOrder)

	// Settling the running stage frees the slot.
	task.FinishTool(engineconfig.StageSubdomainDiscovery, "subfinder", true, "")
	_, _, err = task.SettleStage(engineconfig.StageSubdomainDiscovery)
	require.NoError(t, err)
	require.NoError(t, task.StartStage(engineconfig.StagePortScan))
}

func TestAnySuccessPolicy(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{})
	require.NoError(t, task.Begin())
	require.NoError(t, task.StartStage(engineconfig.StageSubdomainDiscovery))
	task.FinishTool(engineconfig.StageSubdomainDiscovery, "subfinder", true, "")
	_, _, err := task.SettleStage(engineconfig.StageSubdomainDiscovery)
	require.NoError(t, err)

	// One of two port scanners fails; any_success keeps the stage green.
	require.NoError(t, task.StartStage(engineconfig.StagePortScan))
	task.FinishTool(engineconfig.StagePortScan, "naabu", true, "")
	task.FinishTool(engineconfig.StagePortScan, "masscan", false, "connection refused")
	status, fatal, err := task.SettleStage(engineconfig.StagePortScan)
	require.NoError(t, err)
	assert.Equal(t, schemas.StageCompleted, status)
	assert.False(t, fatal)

	item := task.Snapshot().StageProgress["port_scan"]
	assert.Equal(t, "1/2 tools succeeded", item.Detail)
}

func TestAllSuccessPolicy(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{
		StagePolicy: map[string]string{"port_scan": "all_success"},
	})
	require.NoError(t, task.Begin())
	require.NoError(t, task.StartStage(engineconfig.StageSubdomainDiscovery))
	task.FinishTool(engineconfig.StageSubdomainDiscovery, "subfinder", true, "")
	_, _, err := task.SettleStage(engineconfig.StageSubdomainDiscovery)
	require.NoError(t, err)

	require.NoError(t, task.StartStage(engineconfig.StagePortScan))
	task.FinishTool(engineconfig.StagePortScan, "naabu", true, "")
	task.FinishTool(engineconfig.StagePortScan, "masscan", false, "connection refused")
	status, fatal, err := task.SettleStage(engineconfig.StagePortScan)
	require.NoError(t, err)
	assert.Equal(t, schemas.StageFailed, status)
	assert.False(t, fatal, "port_scan fatality was not overridden")

	item := task.Snapshot().StageProgress["port_scan"]
	assert.Contains(t, item.Error, "masscan")
	assert.Contains(t, item.Error, "connection refused")
}

func TestFatalStageFailure(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{})
	require.NoError(t, task.Begin())
	require.NoError(t, task.StartStage(engineconfig.StageSubdomainDiscovery))
	task.FinishTool(engineconfig.StageSubdomainDiscovery, "subfinder", false, "dns failure")

	status, fatal, err := task.SettleStage(engineconfig.StageSubdomainDiscovery)
	require.NoError(t, err)
	assert.Equal(t, schemas.StageFailed, status)
	assert.True(t, fatal, "subdomain_discovery failure must abort the scan")

	require.NoError(t, task.Fail("fatal stage subdomain_discovery failed"))
	snap := task.Snapshot()
	assert.Equal(t, schemas.ScanFailed, snap.Status)
	assert.Equal(t, "fatal stage subdomain_discovery failed", snap.ErrorMessage)
	// Later stages were never reached and stay pending.
	assert.Equal(t, schemas.StagePending, snap.StageProgress["vuln_scan"].Status)
	assert.Less(t, snap.Progress, 100)
}

func TestMissingToolResultCountsAsFailure(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{})
	require.NoError(t, task.Begin())
	require.NoError(t, task.StartStage(engineconfig.StagePortScan))
	task.FinishTool(engineconfig.StagePortScan, "naabu", true, "")
	// masscan never reports.
	status, _, err := task.SettleStage(engineconfig.StagePortScan)
	require.NoError(t, err)
	assert.Equal(t, schemas.StageCompleted, status)

	item := task.Snapshot().StageProgress["port_scan"]
	assert.Equal(t, "1/2 tools succeeded", item.Detail)
}

func TestCancelPropagation(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{})
	require.NoError(t, task.Begin())
	require.NoError(t, task.StartStage(engineconfig.StageSubdomainDiscovery))

	require.NoError(t, task.Cancel("user requested stop"))
	snap := task.Snapshot()
	assert.Equal(t, schemas.ScanCancelled, snap.Status)
	assert.Empty(t, snap.CurrentStage)
	assert.Empty(t, snap.ErrorMessage)
	require.NotNil(t, snap.StoppedAt)

	running := snap.StageProgress["subdomain_discovery"]
	assert.Equal(t, schemas.StageCancelled, running.Status)
	assert.Equal(t, "user requested stop", running.Reason)

	pending := snap.StageProgress["vuln_scan"]
	assert.Equal(t, schemas.StageCancelled, pending.Status)
	assert.Equal(t, CancelReasonParent, pending.Reason)
}

func TestTerminalStateIsSticky(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{})
	require.NoError(t, task.Begin())
	require.NoError(t, task.Cancel("stop"))

	assert.ErrorIs(t, task.Begin(), ErrTerminal)
	assert.ErrorIs(t, task.Complete(), ErrTerminal)
	assert.ErrorIs(t, task.Fail("late"), ErrTerminal)
	assert.ErrorIs(t, task.Cancel("again"), ErrTerminal)
	assert.ErrorIs(t, task.StartStage(engineconfig.StagePortScan), ErrTerminal)

	// The record is untouched by the rejected transitions.
	snap := task.Snapshot()
	assert.Equal(t, schemas.ScanCancelled, snap.Status)
	assert.Empty(t, snap.ErrorMessage)
}

func TestProgressWeighting(t *testing.T) {
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cfg, err := engineconfig.Parse(pipelineYAML)
	require.NoError(t, err)
	task := New("scan-1", schemas.ScanRequest{TargetID: "t"}, cfg, config.PipelineConfig{}, zap.NewNop(),
		WithClock(func() time.Time { return clock }))

	// Weights: subdomain_discovery 10, port_scan 10, site_scan 10, vuln_scan 30.
	require.NoError(t, task.Begin())
	require.NoError(t, task.StartStage(engineconfig.StageSubdomainDiscovery))
	task.FinishTool(engineconfig.StageSubdomainDiscovery, "subfinder", true, "")
	_, _, err = task.SettleStage(engineconfig.StageSubdomainDiscovery)
	require.NoError(t, err)
	assert.Equal(t, 16, task.Progress()) // 10/60

	require.NoError(t, task.StartStage(engineconfig.StagePortScan))
	task.FinishTool(engineconfig.StagePortScan, "naabu", true, "")
	task.FinishTool(engineconfig.StagePortScan, "masscan", true, "")
	_, _, err = task.SettleStage(engineconfig.StagePortScan)
	require.NoError(t, err)
	assert.Equal(t, 33, task.Progress()) // 20/60

	require.NoError(t, task.SkipStage(engineconfig.StageSiteScan, SkipReasonNoTools))
	assert.Equal(t, 50, task.Progress()) // 30/60

	// A failed non-fatal stage contributes no weight; progress holds.
	require.NoError(t, task.StartStage(engineconfig.StageVulnScan))
	task.FinishTool(engineconfig.StageVulnScan, "nuclei", false, "panic")
	status, fatal, err := task.SettleStage(engineconfig.StageVulnScan)
	require.NoError(t, err)
	assert.Equal(t, schemas.StageFailed, status)
	assert.False(t, fatal)
	assert.Equal(t, 50, task.Progress())

	require.NoError(t, task.Complete())
	assert.Equal(t, 100, task.Progress())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	task := newTestTask(t, config.PipelineConfig{})
	snap := task.Snapshot()
	snap.StageProgress["port_scan"] = schemas.StageProgressItem{Status: schemas.StageFailed}
	snap.EngineNames[0] = "mutated"

	fresh := task.Snapshot()
	assert.Equal(t, schemas.StagePending, fresh.StageProgress["port_scan"].Status)
	assert.Equal(t, "full", fresh.EngineNames[0])
}
