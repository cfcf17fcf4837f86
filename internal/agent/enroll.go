package agent

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/config"
	"github.com/surveyor-sec/surveyor/internal/registry"
)

// EnrollRemotes registers the statically configured remote workers and binds
// an HTTP client for each in the pool. Remote workers push their own
// heartbeats after enrollment; a node that never reports ages out through
// the registry sweep like any other. The returned nodes let callers persist
// the fleet.
func EnrollRemotes(cfg config.AgentConfig, reg *registry.Registry, pool *Pool, logger *zap.Logger) ([]schemas.WorkerNode, error) {
	nodes := make([]schemas.WorkerNode, 0, len(cfg.RemoteWorkers))
	for _, rw := range cfg.RemoteWorkers {
		node, err := reg.Register(registry.RegisterRequest{
			Name:         rw.Name,
			Kind:         schemas.WorkerRemote,
			Capabilities: rw.Capabilities,
		})
		if err != nil {
			return nodes, fmt.Errorf("failed to enroll remote worker %s: %w", rw.Name, err)
		}
		pool.Add(node.ID, NewHTTPClient(rw.URL, cfg.RequestTimeout))
		logger.Info("Remote worker enrolled",
			zap.String("worker_id", node.ID),
			zap.String("name", rw.Name),
			zap.String("url", rw.URL),
			zap.Strings("capabilities", rw.Capabilities))
		nodes = append(nodes, node)
	}
	return nodes, nil
}
