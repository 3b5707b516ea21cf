// Package dispatch runs incoming message callbacks on a fixed set of
// workers fed by a bounded queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit once the pool is closed
var ErrClosed = errors.New("dispatch pool closed")

// Pool runs submitted tasks on a fixed number of workers. With a single
// worker tasks run one at a time in submission order.
type Pool struct {
	tasks  chan func()
	quit   chan struct{}
	once   sync.Once
	group  errgroup.Group
	logger zerolog.Logger
}

// New starts a pool of workers reading from a queue of queueSize tasks.
// Values below one are raised to one.
func New(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		tasks:  make(chan func(), queueSize),
		quit:   make(chan struct{}),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

// Submit queues task. It blocks while the queue is full and fails once the
// pool is closed or ctx ends.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	select {
	case <-p.quit:
		return ErrClosed
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("incoming message queue full: %w", ctx.Err())
	}
}

// Queued returns the number of tasks waiting for a worker
func (p *Pool) Queued() int {
	return len(p.tasks)
}

// Close stops the workers once their current task returns. Queued tasks
// are dropped. Close does not wait, so it is safe to call from a task.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.quit) })
}

// Wait blocks until every worker has exited
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

func (p *Pool) work() error {
	for {
		select {
		case <-p.quit:
			return nil
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("panic", fmt.Sprint(r)).Msg("Recovered from panic in message callback")
		}
	}()
	task()
}
