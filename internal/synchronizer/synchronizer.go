// Package synchronizer keeps an installed federation client in step with its
// federation by calling SyncOnce at a fixed interval.
package synchronizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fluttermint/minimint-bridge/internal/mint"
	"github.com/fluttermint/minimint-bridge/internal/telemetry"
)

// DefaultInterval is the time between two sync passes
const DefaultInterval = 5 * time.Second

// State is the lifecycle state of a Synchronizer
type State string

const (
	// StateIdle means Start has not been called yet
	StateIdle State = "idle"
	// StateRunning means the sync loop is active
	StateRunning State = "running"
	// StateStopped means the loop has exited; a Synchronizer is not restarted
	StateStopped State = "stopped"
)

// Synchronizer runs the sync loop of one client handle
type Synchronizer struct {
	handle   mint.Handle
	interval time.Duration
	logger   *slog.Logger
	metrics  *telemetry.SyncMetrics

	mu         sync.Mutex
	state      State
	cancelFunc context.CancelFunc
	done       chan struct{}
	passes     uint64
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithInterval sets the time between sync passes. Non-positive values are ignored.
func WithInterval(interval time.Duration) Option {
	return func(s *Synchronizer) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSyncMetrics sets the sync metrics recorder
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(s *Synchronizer) {
		s.metrics = metrics
	}
}

// New creates a synchronizer for handle
func New(handle mint.Handle, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		handle:   handle,
		interval: DefaultInterval,
		logger:   slog.Default(),
		state:    StateIdle,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a sync pass immediately and then one per interval. It blocks
// until ctx is cancelled or Stop is called. A failed or panicking pass is
// logged and the loop carries on.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("synchronizer already %s", s.state)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	s.state = StateRunning
	s.mu.Unlock()

	federationID := s.handle.FederationID()
	s.logger.Info("Starting background sync", "federation_id", federationID, "interval", s.interval)

	defer func() {
		cancel()
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		close(s.done)
		s.logger.Info("Background sync stopped", "federation_id", federationID)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.syncOnce(loopCtx, federationID)

	for {
		select {
		case <-ticker.C:
			s.syncOnce(loopCtx, federationID)
		case <-loopCtx.Done():
			return nil
		}
	}
}

// Stop cancels the loop and waits for it to exit. Stopping a synchronizer that
// was never started marks it stopped.
func (s *Synchronizer) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateStopped
		close(s.done)
		s.mu.Unlock()
		return nil
	case StateStopped:
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelFunc
	s.mu.Unlock()

	cancel()
	<-s.done
	return nil
}

// State returns the current lifecycle state
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Passes returns the number of completed sync passes, successful or not
func (s *Synchronizer) Passes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

func (s *Synchronizer) syncOnce(ctx context.Context, federationID string) {
	start := time.Now()
	err := s.safeSync(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	s.passes++
	s.mu.Unlock()

	// a pass cut short by Stop is not a failure
	if err != nil && ctx.Err() != nil {
		return
	}

	s.metrics.RecordSync(ctx, federationID, duration, err)
	if err != nil {
		s.logger.Warn("Background sync failed",
			"federation_id", federationID,
			"duration", duration,
			"error", err)
		return
	}
	s.logger.Debug("Background sync completed", "federation_id", federationID, "duration", duration)
}

func (s *Synchronizer) safeSync(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
	}()
	return s.handle.SyncOnce(ctx)
}

// Run creates a synchronizer for handle and runs it until ctx is cancelled
func Run(ctx context.Context, handle mint.Handle, opts ...Option) {
	_ = New(handle, opts...).Start(ctx)
}
