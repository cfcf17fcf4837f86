package agent

import "sync"

// Pool maps registry worker IDs to their execution clients. The local agent
// registers itself at startup; remote workers are added when their
// registration carries an endpoint.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]Client)}
}

// Add binds a worker ID to its client, replacing any previous binding.
func (p *Pool) Add(workerID string, c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[workerID] = c
}

// Remove drops the binding for a worker.
func (p *Pool) Remove(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, workerID)
}

// ClientFor resolves the client for a worker.
func (p *Pool) ClientFor(workerID string) (Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[workerID]
	return c, ok
}
