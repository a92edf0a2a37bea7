package client

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Lease is a reference to a pool-owned client plus its index. Clients
// multiplex freely, so many leases share one client.
type Lease struct {
	Client *Client
	Index  int
}

// Pool is a bounded set of clients over one target. Acquire creates
// clients on demand up to the cap (CAS on an atomic size), then hands
// out round-robin leases from an atomic ticket counter. The client
// list is an immutable slice republished on append, so round-robin
// leases never take a lock; only creating a client takes the append
// mutex.
type Pool struct {
	cfg Config
	max int64

	size    atomic.Int64
	rr      atomic.Uint64
	clients atomic.Pointer[[]*Client]
	mu      sync.Mutex // serializes appends
}

// NewPool builds a pool of at most maxClients clients (min 1).
func NewPool(cfg Config, maxClients int) *Pool {
	if maxClients <= 0 {
		maxClients = 1
	}
	p := &Pool{cfg: cfg, max: int64(maxClients)}
	empty := make([]*Client, 0, maxClients)
	p.clients.Store(&empty)
	return p
}

// Acquire returns a lease. The pool creates on demand, so the size is
// never zero after the first successful acquire.
func (p *Pool) Acquire() Lease {
	for {
		cur := p.size.Load()
		if cur >= p.max {
			break
		}
		if !p.size.CompareAndSwap(cur, cur+1) {
			continue
		}
		c := New(p.cfg)
		p.mu.Lock()
		old := *p.clients.Load()
		list := make([]*Client, len(old)+1)
		copy(list, old)
		idx := len(old)
		list[idx] = c
		p.clients.Store(&list)
		p.mu.Unlock()
		return Lease{Client: c, Index: idx}
	}

	for {
		list := *p.clients.Load()
		n := uint64(len(list))
		if n == 0 {
			// another acquirer won the CAS but has not published yet
			runtime.Gosched()
			continue
		}
		ticket := p.rr.Add(1) - 1
		var idx uint64
		if n&(n-1) == 0 {
			idx = ticket & (n - 1)
		} else {
			idx = ticket % n
		}
		return Lease{Client: list[idx], Index: int(idx)}
	}
}

// Size reports the number of created clients.
func (p *Pool) Size() int { return len(*p.clients.Load()) }

// Close closes every created client.
func (p *Pool) Close() error {
	var first error
	for _, c := range *p.clients.Load() {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
