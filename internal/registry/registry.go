// Package registry holds the one federation client that is active in a bridge.
//
// A Registry has a single slot. Installing a handle replaces whatever was in the
// slot, cancels the replaced handle's synchronizer and waits for it to exit,
// then starts one synchronizer bound to the new handle. At no point do two
// generations sync at once. The registry lock only guards the slot swap,
// never I/O.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fluttermint/minimint-bridge/internal/mint"
	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
)

// SyncFunc runs background work for h until ctx is cancelled
type SyncFunc func(ctx context.Context, h mint.Handle)

// slot is one installed generation
type slot struct {
	handle     mint.Handle
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// stop cancels the slot's synchronizer and waits for it to exit
func (s *slot) stop() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Registry is the process-wide client slot
type Registry struct {
	// swapMu orders Install and Clear so each one finishes stopping the slot
	// it replaced before the next swap. Get never takes it.
	swapMu sync.Mutex

	mu         sync.Mutex
	current    *slot
	generation uint64

	syncFunc SyncFunc
	logger   *slog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithSynchronizer sets the function started for every installed handle
func WithSynchronizer(fn SyncFunc) Option {
	return func(r *Registry) {
		r.syncFunc = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the installed handle, or a NoActiveFederation error. The handle
// stays usable after the registry moves on; operations on a closed handle fail
// with a storage error.
func (r *Registry) Get() (mint.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil, bridgeerr.ErrNoActiveFederation
	}
	return r.current.handle, nil
}

// Install makes h the active handle and starts its synchronizer. It returns the
// handle it replaced, if any, after that handle's synchronizer has exited. The
// caller owns the returned handle and is expected to close it.
func (r *Registry) Install(h mint.Handle) mint.Handle {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	next := r.newSlot(h)

	r.mu.Lock()
	r.generation++
	next.generation = r.generation
	previous := r.current
	r.current = next
	r.mu.Unlock()

	// the replaced generation must be gone before the new one syncs
	previous.stop()
	r.start(next)

	r.logger.Debug("Installed federation client",
		"federation_id", h.FederationID(),
		"generation", next.generation,
	)

	if previous == nil {
		return nil
	}
	return previous.handle
}

// Clear removes the installed handle and waits for its synchronizer to exit.
// It returns the removed handle, or nil when the registry was empty.
func (r *Registry) Clear() mint.Handle {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	r.mu.Lock()
	previous := r.current
	r.current = nil
	if previous != nil {
		r.generation++
	}
	r.mu.Unlock()

	if previous == nil {
		return nil
	}
	previous.stop()
	r.logger.Debug("Cleared federation client", "federation_id", previous.handle.FederationID())
	return previous.handle
}

// Generation counts installs and clears; it identifies the current slot
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Active reports whether a handle is installed
func (r *Registry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

func (*Registry) newSlot(h mint.Handle) *slot {
	return &slot{handle: h, done: make(chan struct{})}
}

// start launches the synchronizer of s. Called with r.swapMu held.
func (r *Registry) start(s *slot) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if r.syncFunc == nil {
		close(s.done)
		return
	}

	fn := r.syncFunc
	go func() {
		defer close(s.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Synchronizer panicked", "generation", s.generation, "panic", rec)
			}
		}()
		fn(ctx, s.handle)
	}()
}
