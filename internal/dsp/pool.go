package dsp

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ttsam-rt/dispatcher/internal/monitoring"
)

// Task is one unit of batch work.
type Task func()

// Pool is a fixed set of worker goroutines the signal pipeline uses to
// spread per-trace work (scaling, demean, peak extraction) across cores
// while the batch filter call stays single-threaded per matrix.
type Pool struct {
	workers int
	tasks   chan Task
	stop    <-chan struct{}
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

func NewPool(workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers: workers,
		tasks:   make(chan Task, workers*64),
		logger:  logger.With().Str("component", "sp_pool").Logger(),
	}
}

// Start launches the workers. Workers drain until the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.stop = ctx.Done()
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer monitoring.RecoverPanic(p.logger, "sp_worker", nil)
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-p.tasks:
					task()
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// RunAll executes the tasks on the pool and blocks until every one has
// finished. Safe for a single batch producer; tasks must not submit tasks.
// When the pool is stopped mid-batch the caller takes over the queued
// remainder, so RunAll always returns.
func (p *Pool) RunAll(tasks []Task) {
	var pending sync.WaitGroup
	pending.Add(len(tasks))
	for _, task := range tasks {
		task := task
		wrapped := func() {
			defer pending.Done()
			task()
		}
		select {
		case p.tasks <- wrapped:
		default:
			// Queue full: run inline rather than stall the batch.
			wrapped()
		}
	}

	finished := make(chan struct{})
	go func() {
		pending.Wait()
		close(finished)
	}()
	for {
		select {
		case <-finished:
			return
		case <-p.stop:
			// Workers are gone or leaving; run queued tasks here. Tasks a
			// worker already picked up finish on that worker.
			select {
			case task := <-p.tasks:
				task()
			case <-finished:
				return
			}
		}
	}
}
