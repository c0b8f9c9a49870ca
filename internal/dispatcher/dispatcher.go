// Package dispatcher implements a fixed pool of worker.Workers, each owning
// a disjoint set of queue.Queues, with routing that never needs a shared
// key->worker index.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JAGUARAVI/Volcano/internal/queue"
	"github.com/JAGUARAVI/Volcano/internal/worker"
)

// Pool owns N workers and routes Ops to them.
type Pool struct {
	workers []*worker.Worker

	mu      sync.Mutex
	running bool
}

// New builds a Pool over the given workers. With no workers, Execute
// returns an error.
func New(workers []*worker.Worker) *Pool {
	return &Pool{workers: workers}
}

// Run starts every worker's message loop and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

// ownerOf asks every worker whether it owns key, returning the first match.
// This trades an O(workers) fan-out for never needing a shared key->worker
// map.
func (p *Pool) ownerOf(ctx context.Context, key queue.Key) *worker.Worker {
	type result struct {
		w   *worker.Worker
		has bool
	}
	results := make(chan result, len(p.workers))
	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			defer wg.Done()
			results <- result{w: w, has: w.Owns(key)}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()
	for r := range results {
		if r.has {
			return r.w
		}
	}
	return nil
}

// leastLoaded picks the worker with the fewest owned queues, execute()'s
// routing rule for assigning a brand-new key.
func (p *Pool) leastLoaded() *worker.Worker {
	var best *worker.Worker
	bestLoad := -1
	for _, w := range p.workers {
		load := w.Load()
		if bestLoad == -1 || load < bestLoad {
			best = w
			bestLoad = load
		}
	}
	return best
}

// Execute routes op to the worker that already owns op.Key, or — if no
// worker owns it yet — to the least-loaded worker, which then lazily
// creates the queue on first PLAY/VOICE_SERVER. The op's Reply channel, if
// set, is used to obtain the outcome.
func (p *Pool) Execute(ctx context.Context, op worker.Op) error {
	if len(p.workers) == 0 {
		return fmt.Errorf("dispatcher: no workers configured")
	}

	w := p.ownerOf(ctx, op.Key)
	if w == nil {
		w = p.leastLoaded()
	}

	reply := make(chan error, 1)
	op.Reply = reply
	w.Submit(op)

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast fans op out to every worker and collects all replies, used for
// DELETE_ALL-style ops that every worker must apply to its own queues.
func (p *Pool) Broadcast(ctx context.Context, mk func() worker.Op) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			op := mk()
			reply := make(chan error, 1)
			op.Reply = reply
			w.Submit(op)
			select {
			case err := <-reply:
				return err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// CorrelatedBroadcast is Broadcast with a fresh correlation id attached to
// each fan-out op, for callers that need to trace a cluster-wide command
// (e.g. a STATS refresh) across worker boundaries in logs.
func (p *Pool) CorrelatedBroadcast(ctx context.Context, mk func(correlationID string) worker.Op) (string, error) {
	id := uuid.NewString()
	err := p.Broadcast(ctx, func() worker.Op { return mk(id) })
	return id, err
}

// Dump collects a Snapshot of every queue across every worker, for STATS
// aggregation and admin introspection.
func (p *Pool) Dump() []queue.Snapshot {
	var all []queue.Snapshot
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			defer wg.Done()
			snaps := w.Snapshot()
			mu.Lock()
			all = append(all, snaps...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return all
}

// Owns reports whether any worker in the pool currently owns key.
func (p *Pool) Owns(key queue.Key) bool {
	for _, w := range p.workers {
		if w.Owns(key) {
			return true
		}
	}
	return false
}
