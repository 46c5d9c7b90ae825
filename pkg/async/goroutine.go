package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrPoolClosed is returned when submitting to a pool that is shutting down
	ErrPoolClosed = errors.New("worker pool shut down")

	// ErrQueueFull is returned by TrySubmit when every queue slot is taken
	ErrQueueFull = errors.New("worker pool queue full")
)

// Task is a unit of background work
type Task func(ctx context.Context) error

// withTimeout bounds ctx when timeout is positive
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// run executes fn and converts a panic into an error carrying the stack
func run(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Go executes fn in a goroutine with panic recovery and a timeout. Errors
// are logged, never returned.
//
// Example:
//
//	async.Go(ctx, logger, 30*time.Second, "auto install", func(ctx context.Context) error {
//	    _, err := manager.Install(ctx, descriptor)
//	    return err
//	})
func Go(parent context.Context, logger *logrus.Logger, timeout time.Duration, name string, fn Task) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	go func() {
		ctx, cancel := withTimeout(parent, timeout)
		defer cancel()
		if err := run(ctx, fn); err != nil {
			logger.WithField("task", name).Errorf("Background task failed: %v", err)
		}
	}()
}

// Pool runs tasks on a fixed number of workers fed from a bounded queue
type Pool struct {
	name    string
	timeout time.Duration
	logger  *logrus.Logger

	tasks  chan Task
	errs   chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards closed and the close of tasks against concurrent sends
	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines. queue bounds how many tasks may wait;
// timeout bounds each task and is ignored when zero.
//
// Example:
//
//	pool := async.NewPool(ctx, logger, "installs", 4, 64, time.Minute)
//	defer pool.Shutdown(5 * time.Second)
//
//	if err := pool.TrySubmit(task); errors.Is(err, async.ErrQueueFull) {
//	    // shed load
//	}
func NewPool(ctx context.Context, logger *logrus.Logger, name string, workers, queue int, timeout time.Duration) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		name:    name,
		timeout: timeout,
		logger:  logger,
		tasks:   make(chan Task, queue),
		errs:    make(chan error, workers*8),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit queues fn, waiting for a free slot until ctx is done
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit queues fn only if a slot is free
func (p *Pool) TrySubmit(fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Errors receives task failures. It is buffered; failures beyond the
// buffer are logged and dropped.
func (p *Pool) Errors() <-chan error {
	return p.errs
}

// Close stops accepting tasks and waits for queued ones to finish
func (p *Pool) Close() {
	p.closeQueue()
	p.wg.Wait()
	p.cancel()
}

// Shutdown is Close bounded by timeout. Running tasks see their context
// cancelled once the timeout passes.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.closeQueue()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("%s pool shutdown timed out after %v", p.name, timeout)
	}
}

func (p *Pool) closeQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for fn := range p.tasks {
		if p.ctx.Err() != nil {
			continue
		}
		ctx, cancel := withTimeout(p.ctx, p.timeout)
		err := run(ctx, fn)
		cancel()
		if err == nil {
			continue
		}
		select {
		case p.errs <- err:
		default:
			p.logger.WithFields(logrus.Fields{
				"pool":   p.name,
				"worker": id,
			}).Warnf("Error channel full, dropping error: %v", err)
		}
	}
}

// Batch runs fn over items on workers goroutines and returns every error,
// in no particular order
//
// Example:
//
//	errs := async.Batch(ctx, logger, ids, 4, "automated validation", time.Minute, func(ctx context.Context, id string) error {
//	    _, err := pipeline.RunAutomatedValidation(ctx, id)
//	    return err
//	})
func Batch[T any](ctx context.Context, logger *logrus.Logger, items []T, workers int, name string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	var (
		mu   sync.Mutex
		errs []error
	)
	pool := NewPool(ctx, logger, name, workers, len(items), timeout)
	for _, item := range items {
		item := item
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			err := run(ctx, func(ctx context.Context) error { return fn(ctx, item) })
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		}); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
	}
	pool.Close()
	return errs
}
