package worker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/edforge/edforge/internal/provider"
	"github.com/edforge/edforge/pkg/config"
)

// Pool owns the fixed set of generation workers. It is the only mutable
// resource shared across executions; all access goes through the
// checkout/checkin protocol so no two dispatches hold the same worker.
type Pool struct {
	mu         sync.Mutex
	workers    map[string]*Worker
	checkedOut map[string]bool
	waiters    chan struct{} // closed and replaced on every checkin
	closed     bool
}

// NewPool builds the pool from configured worker specs.
func NewPool(specs []config.WorkerSpec, protocol provider.Protocol) *Pool {
	p := &Pool{
		workers:    make(map[string]*Worker, len(specs)),
		checkedOut: make(map[string]bool, len(specs)),
		waiters:    make(chan struct{}),
	}
	for _, spec := range specs {
		p.workers[spec.ID] = New(spec.ID, spec.Capabilities, protocol)
	}
	log.Printf("[Pool] Initialized %d workers", len(p.workers))
	return p
}

// Checkout hands out exclusive ownership of the least-loaded available
// worker matching the capability tag, excluding any IDs in exclude. It
// blocks until a worker frees up or ctx is done.
func (p *Pool) Checkout(ctx context.Context, capability string, complexity float64, exclude map[string]bool) (*Worker, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool is closed")
		}

		var best *Worker
		capable := false
		for id, w := range p.workers {
			if !w.HasCapability(capability) || exclude[id] {
				continue
			}
			capable = true
			if p.checkedOut[id] {
				continue
			}
			if best == nil || w.Backlog() < best.Backlog() ||
				(w.Backlog() == best.Backlog() && id < best.ID) {
				best = w
			}
		}
		if !capable {
			p.mu.Unlock()
			return nil, fmt.Errorf("no worker advertises capability %q", capability)
		}
		if best != nil {
			p.checkedOut[best.ID] = true
			best.setStatus(StatusBusy)
			best.addBacklog(complexity)
			p.mu.Unlock()
			return best, nil
		}

		wait := p.waiters
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Checkin returns a worker to the pool and wakes blocked checkouts.
// Safe to call after completion, failure, or timeout; always returns the
// worker to the available set.
func (p *Pool) Checkin(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.checkedOut[w.ID] {
		return
	}
	delete(p.checkedOut, w.ID)
	w.setStatus(StatusIdle)
	close(p.waiters)
	p.waiters = make(chan struct{})
}

// Get returns a worker by ID for accuracy bookkeeping.
func (p *Pool) Get(id string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return w, ok
}

// Size returns the fixed pool size.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Available returns how many workers are not checked out.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) - len(p.checkedOut)
}

// Stats summarizes the pool for metrics and the debug API.
type Stats struct {
	Total      int `json:"total"`
	Available  int `json:"available"`
	CheckedOut int `json:"checked_out"`
}

// GetStats returns a snapshot of pool occupancy.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:      len(p.workers),
		Available:  len(p.workers) - len(p.checkedOut),
		CheckedOut: len(p.checkedOut),
	}
}

// Close stops the pool. Outstanding checkouts may still check in.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.workers {
		w.setStatus(StatusStopped)
	}
	close(p.waiters)
	p.waiters = make(chan struct{})
	log.Printf("[Pool] Closed")
}
