package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/agent"
	"github.com/surveyor-sec/surveyor/internal/config"
	"github.com/surveyor-sec/surveyor/internal/dispatch"
	"github.com/surveyor-sec/surveyor/internal/eventbus"
	"github.com/surveyor-sec/surveyor/internal/observability"
	"github.com/surveyor-sec/surveyor/internal/orchestrator"
	"github.com/surveyor-sec/surveyor/internal/registry"
	"github.com/surveyor-sec/surveyor/internal/store"
	"github.com/surveyor-sec/surveyor/internal/tracker"
)

// coreComponents holds the initialized orchestration core.
type coreComponents struct {
	Registry     *registry.Registry
	Dispatcher   *dispatch.Dispatcher
	Agents       *agent.Pool
	Local        *agent.LocalAgent
	Tracker      *tracker.Tracker
	Bus          *eventbus.Bus
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	DBPool       *pgxpool.Pool

	cancel context.CancelFunc
}

// Shutdown stops the background loops and drains running scans.
func (cc *coreComponents) Shutdown() {
	if cc.Orchestrator != nil {
		cc.Orchestrator.Shutdown()
	}
	if cc.cancel != nil {
		cc.cancel()
	}
	if cc.Bus != nil {
		cc.Bus.Close()
	}
	if cc.DBPool != nil {
		cc.DBPool.Close()
	}
}

// initializeCore handles dependency injection for the orchestration core.
// The database is optional; without it the core runs purely in memory.
func initializeCore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*coreComponents, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	components := &coreComponents{cancel: cancel}

	// 1. Database and store, when configured.
	var dbStore *store.Store
	if cfg.Database.URL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			components.Shutdown()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.DBPool = dbPool

		dbStore, err = store.New(ctx, dbPool, logger)
		if err != nil {
			components.Shutdown()
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		if err := dbStore.EnsureSchema(ctx); err != nil {
			components.Shutdown()
			return nil, err
		}
		if n, err := dbStore.MarkInterrupted(ctx); err != nil {
			components.Shutdown()
			return nil, err
		} else if n > 0 {
			logger.Warn("Marked scans interrupted by previous shutdown", zap.Int64("count", n))
		}
		components.Store = dbStore
	}

	// 2. Worker registry and its sweep loop.
	reg := registry.New(cfg.Registry, logger)
	components.Registry = reg
	go reg.Run(runCtx)

	// 3. Event bus, dispatcher, tracker.
	bus := eventbus.New(logger)
	components.Bus = bus

	disp := dispatch.New(cfg.Dispatcher, reg, logger)
	components.Dispatcher = disp

	agents := agent.NewPool()
	components.Agents = agents

	trackerOpts := []tracker.Option{tracker.WithEventBus(bus)}
	if dbStore != nil {
		trackerOpts = append(trackerOpts, tracker.WithJournal(dbStore))
	}
	trk := tracker.New(cfg.Agent, disp, agents, reg, logger, trackerOpts...)
	components.Tracker = trk
	go trk.Run(runCtx)

	// 4. Local in-process worker.
	local := agent.NewLocalAgent(cfg.Agent, reg, logger)
	if err := local.Start(runCtx); err != nil {
		components.Shutdown()
		return nil, err
	}
	agents.Add(local.WorkerID(), local)
	components.Local = local
	if dbStore != nil {
		if node, ok := reg.Get(local.WorkerID()); ok {
			if err := dbStore.SaveWorker(ctx, node); err != nil {
				logger.Warn("Failed to persist local worker record", zap.Error(err))
			}
		}
	}

	// 5. Statically configured remote workers.
	remotes, err := agent.EnrollRemotes(cfg.Agent, reg, agents, logger)
	if err != nil {
		components.Shutdown()
		return nil, err
	}
	if dbStore != nil {
		for _, node := range remotes {
			if err := dbStore.SaveWorker(ctx, node); err != nil {
				logger.Warn("Failed to persist remote worker record",
					zap.String("name", node.Name), zap.Error(err))
			}
		}
		go persistWorkerStatus(runCtx, bus, dbStore, logger)
	}

	// 6. Orchestrator.
	var persist orchestrator.Persister
	if dbStore != nil {
		persist = dbStore
	}
	orch, err := orchestrator.New(cfg, trk, bus, persist, logger)
	if err != nil {
		components.Shutdown()
		return nil, err
	}
	components.Orchestrator = orch

	return components, nil
}

// workerStatusStore is the slice of the store the status persister needs.
type workerStatusStore interface {
	UpdateWorkerStatus(ctx context.Context, id string, status schemas.WorkerStatus) error
}

// persistWorkerStatus mirrors worker liveness flips from the bus into the
// database, so the fleet listing survives the in-memory registry. Workers
// that were never persisted are skipped.
func persistWorkerStatus(ctx context.Context, bus *eventbus.Bus, st workerStatusStore, logger *zap.Logger) {
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var status schemas.WorkerStatus
			switch ev.Type {
			case schemas.EventWorkerOffline:
				status = schemas.WorkerOffline
			case schemas.EventWorkerOnline:
				status = schemas.WorkerOnline
			default:
				continue
			}
			err := st.UpdateWorkerStatus(ctx, ev.WorkerID, status)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn("Failed to persist worker status",
					zap.String("worker_id", ev.WorkerID),
					zap.String("status", string(status)),
					zap.Error(err))
			}
		}
	}
}

// logEvents subscribes to the bus and mirrors lifecycle events into the log
// until the context ends.
func logEvents(ctx context.Context, bus *eventbus.Bus, logger *zap.Logger) {
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.Info("Event",
				zap.String("type", string(ev.Type)),
				zap.String("scan_id", ev.ScanID),
				zap.String("stage", ev.Stage),
				zap.String("worker_id", ev.WorkerID),
				zap.String("message", ev.Message))
		}
	}
}

// getLogger is a tiny indirection so commands read naturally.
func getLogger() *zap.Logger { return observability.GetLogger() }
