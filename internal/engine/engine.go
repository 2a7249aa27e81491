// Package engine runs blocking facade work on a fixed pool of workers.
//
// Callers submit a function with Do and block until it has produced a result.
// The worker goroutines park on I/O like any other goroutine, so a slow
// federation call holds a worker but never an OS thread.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
)

// job is a unit of work queued on the engine
type job func()

// Engine is a fixed-size worker pool
type Engine struct {
	jobs    chan job
	group   errgroup.Group
	workers int
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures an Engine
type Option func(*Engine)

// WithWorkers sets the number of worker goroutines. Values below one are ignored.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the logger used by the engine
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New starts an engine. Close must be called to stop its workers.
func New(opts ...Option) *Engine {
	e := &Engine{
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.jobs = make(chan job)

	for i := 0; i < e.workers; i++ {
		e.group.Go(func() error {
			for j := range e.jobs {
				j()
			}
			return nil
		})
	}

	e.logger.Debug("Execution engine started", "workers", e.workers)
	return e
}

// Workers returns the size of the pool
func (e *Engine) Workers() int {
	return e.workers
}

// submit hands j to a worker. It fails once the engine is closed or ctx is done.
func (e *Engine) submit(ctx context.Context, j job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return bridgeerr.ErrEngineClosed
	}

	select {
	case e.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, lets queued work finish and waits for the workers.
// It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()

	err := e.group.Wait()
	e.logger.Debug("Execution engine stopped")
	return err
}

type result[T any] struct {
	value T
	err   error
}

// Do runs fn on e and blocks until it returns. A panic in fn is returned as an
// error instead of crashing the worker.
func Do[T any](ctx context.Context, e *Engine, fn func(context.Context) (T, error)) (T, error) {
	done := make(chan result[T], 1)

	err := e.submit(ctx, func() {
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r = result[T]{err: fmt.Errorf("operation panicked: %v", p)}
			}
			done <- r
		}()
		r.value, r.err = fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
