// Package worker runs request processing on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/stripefs/stripefs/sfs/stats"
)

var ErrPoolStopped = errors.New("worker pool stopped")

type Work func(ctx context.Context)

/*
Pool has one shared queue that every worker takes work from and one
personal queue per worker. A worker always drains its personal queue
before it looks at the shared one.
*/
type Pool struct {
	shared   chan Work
	personal []chan Work

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewPool(numWorkers, queueLength int) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		shared:   make(chan Work, queueLength),
		personal: make([]chan Work, numWorkers),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range p.personal {
		p.personal[i] = make(chan Work, queueLength)
	}
	return p
}

func (p *Pool) NumWorkers() int {
	return len(p.personal)
}

func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := range p.personal {
			p.wg.Add(1)
			go p.loop(i)
		}
		glog.V(1).Infof("started %d workers", len(p.personal))
	})
}

// Stop makes the workers return once their current work is done. Queued
// work is dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Pool) loop(index int) {
	defer p.wg.Done()
	personal := p.personal[index]
	for {
		select {
		case <-p.ctx.Done():
			return
		case work := <-personal:
			work(p.ctx)
			continue
		default:
		}

		select {
		case <-p.ctx.Done():
			return
		case work := <-personal:
			work(p.ctx)
		case work := <-p.shared:
			stats.WorkerQueueGauge.Set(float64(len(p.shared)))
			work(p.ctx)
		}
	}
}

// Submit queues work for any worker. It blocks while the shared queue is full.
func (p *Pool) Submit(ctx context.Context, work Work) error {
	if p.ctx.Err() != nil {
		return ErrPoolStopped
	}
	select {
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	case p.shared <- work:
		stats.WorkerQueueGauge.Set(float64(len(p.shared)))
		return nil
	}
}

// Run submits work and waits until it is done. It returns ErrPoolStopped if
// the pool stopped before a worker took the work. Work that was taken always
// finishes before Run returns.
func (p *Pool) Run(ctx context.Context, work Work) error {
	var taken atomic.Bool
	done := make(chan struct{})
	err := p.Submit(ctx, func(ctx context.Context) {
		if !taken.CompareAndSwap(false, true) {
			return
		}
		defer close(done)
		work(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-p.ctx.Done():
	}
	if taken.CompareAndSwap(false, true) {
		return ErrPoolStopped
	}
	<-done
	return nil
}

func (p *Pool) submitPersonal(ctx context.Context, index int, work Work) error {
	if p.ctx.Err() != nil {
		return ErrPoolStopped
	}
	select {
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	case p.personal[index] <- work:
		return nil
	}
}

// Barrier returns once every worker has finished the work it was doing when
// Barrier was called, along with everything already on its personal queue.
// Workers wait at the barrier until all of them reached it.
func (p *Pool) Barrier(ctx context.Context) error {
	var arrived sync.WaitGroup
	release := make(chan struct{})
	defer close(release)

	marker := func(ctx context.Context) {
		arrived.Done()
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	for i := range p.personal {
		arrived.Add(1)
		if err := p.submitPersonal(ctx, i, marker); err != nil {
			arrived.Done()
			return err
		}
	}

	allArrived := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allArrived)
	}()

	select {
	case <-allArrived:
		glog.V(2).Infof("all %d workers passed the barrier", len(p.personal))
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
