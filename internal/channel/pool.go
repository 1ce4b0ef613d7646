package channel

import (
	"sync"
)

// Pool keeps one Client per organization so rate limiting and circuit
// breaking persist across runs. A client is replaced when the organization's
// credentials change.
type Pool struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty pool.
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// Get returns the organization's client.
func (p *Pool) Get(orgID string, creds Credentials) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[orgID]; ok && c.creds == creds {
		return c
	}
	c := NewClient(orgID, creds, p.opts)
	p.clients[orgID] = c
	return c
}

// States returns the breaker state of every pooled client.
func (p *Pool) States() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make(map[string]string, len(p.clients))
	for orgID, c := range p.clients {
		states[orgID] = c.BreakerState()
	}
	return states
}
