// Package engineconfig parses and merges the YAML engine configuration that
// drives a scan pipeline. The stage set is closed: configurations naming a
// stage outside the table below are rejected at parse time so that an
// operator typo cannot silently drop a stage from the pipeline.
package engineconfig

import "time"

// Stage identifies one phase of the scan pipeline.
type Stage string

const (
	StageSubdomainDiscovery Stage = "subdomain_discovery"
	StagePortScan           Stage = "port_scan"
	StageSiteScan           Stage = "site_scan"
	StageFingerprintDetect  Stage = "fingerprint_detect"
	StageURLFetch           Stage = "url_fetch"
	StageDirectoryScan      Stage = "directory_scan"
	StageVulnScan           Stage = "vuln_scan"
	StageScreenshot         Stage = "screenshot"
)

// FailurePolicy decides how tool failures inside one stage roll up.
type FailurePolicy string

const (
	// AllSuccess fails the stage when any enabled tool fails.
	AllSuccess FailurePolicy = "all_success"
	// AnySuccess completes the stage as long as one enabled tool succeeds.
	AnySuccess FailurePolicy = "any_success"
)

// StageInfo is the static metadata of one stage: pipeline position,
// progress weight, whether its failure aborts the whole scan, the default
// intra-stage failure policy and the parameters of auto timeout resolution.
type StageInfo struct {
	Order  int
	Weight int
	Fatal  bool
	Policy FailurePolicy

	// PerItemCost scales the auto timeout by input size; AutoDefault is
	// used when the input size is unknown.
	PerItemCost time.Duration
	AutoDefault time.Duration
}

// stageTable fixes the pipeline order and the per-stage defaults. Weights
// reflect relative runtime cost, not equal stage counts: vulnerability
// scanning dominates a typical scan. Discovery stages are fatal because
// nothing downstream has input when they yield nothing.
var stageTable = map[Stage]StageInfo{
	StageSubdomainDiscovery: {Order: 0, Weight: 10, Fatal: true, Policy: AnySuccess, PerItemCost: 3 * time.Second, AutoDefault: 10 * time.Minute},
	StagePortScan:           {Order: 1, Weight: 10, Fatal: true, Policy: AnySuccess, PerItemCost: 2 * time.Second, AutoDefault: 10 * time.Minute},
	StageSiteScan:           {Order: 2, Weight: 10, Fatal: false, Policy: AnySuccess, PerItemCost: 1 * time.Second, AutoDefault: 10 * time.Minute},
	StageFingerprintDetect:  {Order: 3, Weight: 5, Fatal: false, Policy: AnySuccess, PerItemCost: 1 * time.Second, AutoDefault: 10 * time.Minute},
	StageURLFetch:           {Order: 4, Weight: 15, Fatal: false, Policy: AnySuccess, PerItemCost: 2 * time.Second, AutoDefault: 30 * time.Minute},
	StageDirectoryScan:      {Order: 5, Weight: 15, Fatal: false, Policy: AnySuccess, PerItemCost: 5 * time.Second, AutoDefault: 30 * time.Minute},
	StageVulnScan:           {Order: 6, Weight: 30, Fatal: false, Policy: AllSuccess, PerItemCost: 10 * time.Second, AutoDefault: time.Hour},
	StageScreenshot:         {Order: 7, Weight: 5, Fatal: false, Policy: AnySuccess, PerItemCost: 2 * time.Second, AutoDefault: 10 * time.Minute},
}

// minToolTimeout floors every auto-resolved timeout.
const minToolTimeout = 60 * time.Second

// AllStages returns every recognized stage in pipeline order.
func AllStages() []Stage {
	out := make([]Stage, len(stageTable))
	for s, info := range stageTable {
		out[info.Order] = s
	}
	return out
}

// Info returns the static metadata for a stage. The second return value is
// false for unknown stage keys.
func Info(s Stage) (StageInfo, bool) {
	info, ok := stageTable[s]
	return info, ok
}

// Valid reports whether s is a member of the closed stage enum.
func Valid(s Stage) bool {
	_, ok := stageTable[s]
	return ok
}
