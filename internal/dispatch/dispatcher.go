// Package dispatch selects the best-fit online worker for a unit of work.
// Selection is greedy and stateless per call: no reservation protocol,
// races between concurrent dispatches are resolved by the registry's
// in-flight counter being bumped at lease creation.
package dispatch

import (
	"errors"

	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/config"
)

// ErrNoEligibleWorker means no online worker can take the work. Callers
// fail the stage/tool or queue a bounded retry; the dispatcher itself never
// blocks or retries.
var ErrNoEligibleWorker = errors.New("no eligible worker")

// Candidates abstracts the registry view the dispatcher scores over.
type Candidates interface {
	ListOnline(capability string) []schemas.WorkerNode
}

// Dispatcher scores workers by a weighted composite of load dimensions and
// in-flight task count.
type Dispatcher struct {
	cfg     config.DispatcherConfig
	workers Candidates
	log     *zap.Logger
}

// New creates a dispatcher over the given candidate source.
func New(cfg config.DispatcherConfig, workers Candidates, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		workers: workers,
		log:     logger.Named("dispatcher"),
	}
}

// Score computes the composite load score of one worker. Lower is better.
func (d *Dispatcher) Score(w schemas.WorkerNode) float64 {
	return d.cfg.CPUWeight*w.Load.CPUPercent +
		d.cfg.MemWeight*w.Load.MemPercent +
		d.cfg.DiskWeight*w.Load.DiskPercent +
		d.cfg.InFlightWeight*float64(w.InFlight)
}

// overCeiling excludes a worker when any single load dimension is at or
// above the hard ceiling, regardless of its composite score. An otherwise
// idle node with a full disk must not receive more work.
func (d *Dispatcher) overCeiling(w schemas.WorkerNode) bool {
	c := d.cfg.LoadCeiling
	return w.Load.CPUPercent >= c || w.Load.MemPercent >= c || w.Load.DiskPercent >= c
}

// SelectWorker picks the minimum-score online worker declaring the required
// capability, excluding the given worker IDs (used when reassigning off a
// dead worker). Ties break by worker ID ascending so selection over an
// identical snapshot is deterministic.
func (d *Dispatcher) SelectWorker(capability string, exclude ...string) (schemas.WorkerNode, error) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	var (
		best      schemas.WorkerNode
		bestScore float64
		found     bool
	)
	// ListOnline returns candidates ordered by ID, so keeping the first
	// strictly-better score yields the lowest ID on ties.
	for _, w := range d.workers.ListOnline(capability) {
		if _, skip := excluded[w.ID]; skip {
			continue
		}
		if d.overCeiling(w) {
			d.log.Debug("Worker over load ceiling, excluded",
				zap.String("worker_id", w.ID),
				zap.Float64("cpu", w.Load.CPUPercent),
				zap.Float64("mem", w.Load.MemPercent),
				zap.Float64("disk", w.Load.DiskPercent))
			continue
		}
		score := d.Score(w)
		if !found || score < bestScore {
			best, bestScore, found = w, score, true
		}
	}
	if !found {
		return schemas.WorkerNode{}, ErrNoEligibleWorker
	}

	d.log.Debug("Worker selected",
		zap.String("worker_id", best.ID),
		zap.String("capability", capability),
		zap.Float64("score", bestScore),
		zap.Int("in_flight", best.InFlight))
	return best, nil
}
