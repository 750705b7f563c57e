// Package async runs tasks on a bounded set of goroutines with a non-blocking
// admission queue.
package async

import (
	"context"
	"fmt"
	"sync"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/kora/errs"
)

// Task is one unit of work. Its context is cancelled when the submitter's context
// ends or the pool is shut down.
type Task func(context.Context) error

// ErrorHandler receives task failures and recovered panics.
type ErrorHandler func(error)

// Pool admits tasks into a fixed-size queue and runs them on at most workers
// goroutines. Submit never blocks: a full queue is reported as CodeUnavailable.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	runner  *concpool.Pool
	queue   chan job
	drained chan struct{}
	onError ErrorHandler

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type job struct {
	ctx context.Context
	fn  Task
}

// Option customises a Pool.
type Option func(*Pool)

// WithErrorHandler routes task errors to fn instead of dropping them.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = fn
	}
}

// NewPool starts a pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		runner:  concpool.New().WithMaxGoroutines(workers),
		queue:   make(chan job, max(queue, 0)),
		drained: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	go p.dispatch()
	return p, nil
}

// Submit queues fn. It fails when ctx is already done, the pool is closed or the
// queue is full.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	select {
	case p.queue <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops admission. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued and running tasks. When ctx ends
// first, remaining tasks see a cancelled context and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	defer p.cancel()
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	}
}

func (p *Pool) dispatch() {
	defer close(p.drained)
	for j := range p.queue {
		p.runner.Go(func() { p.run(j) })
	}
	p.runner.Wait()
}

func (p *Pool) run(j job) {
	ctx, stop := context.WithCancel(j.ctx)
	defer stop()
	unlink := context.AfterFunc(p.ctx, stop)
	defer unlink()
	defer func() {
		if r := recover(); r != nil {
			p.report(errs.New("lib/async", errs.CodeInternal, errs.WithMessage(fmt.Sprintf("task panic: %v", r))))
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *Pool) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
