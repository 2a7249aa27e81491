package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Manager provides thread-safe, read-only access to a configuration file that
// may be edited while federationd runs. The file is never written.
type Manager interface {
	// GetConfig returns the current configuration
	GetConfig() *Config

	// ReloadConfig reads the file and applies it if valid. The previous
	// configuration stays active when the new one is invalid.
	ReloadConfig() error

	// WatchConfig reloads the configuration whenever the file changes.
	// Blocks until ctx is cancelled.
	WatchConfig(ctx context.Context) error

	// Close releases the file watcher
	Close() error
}

// ReloadHook is called after a configuration change has been applied
type ReloadHook func(previous, current *Config)

// manager is the concrete implementation of Manager
type manager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	hooks      []ReloadHook
	logger     *slog.Logger

	watcherMu sync.Mutex
	watcher   *fsnotify.Watcher
}

// ManagerOption customizes a Manager
type ManagerOption func(*manager)

// WithReloadHook registers fn to run after each successful reload
func WithReloadHook(fn ReloadHook) ManagerOption {
	return func(m *manager) {
		m.hooks = append(m.hooks, fn)
	}
}

// WithManagerLogger sets the logger
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager loads and validates the configuration at configPath
func NewManager(configPath string, opts ...ManagerOption) (Manager, error) {
	m := &manager{
		configPath: configPath,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	cfg, err := LoadConfig(WithConfigPath(configPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}
	m.config = cfg

	return m, nil
}

// GetConfig returns a shallow copy of the current configuration
func (m *manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configCopy := *m.config
	return &configCopy
}

// ReloadConfig reads the configuration file and applies it if valid
func (m *manager) ReloadConfig() error {
	next, err := LoadConfig(WithConfigPath(m.configPath))
	if err != nil {
		return err
	}

	m.mu.Lock()
	previous := m.config
	m.config = next
	m.mu.Unlock()

	for _, hook := range m.hooks {
		hook(previous, next)
	}

	m.logger.Info("Configuration reloaded", "path", m.configPath)
	return nil
}

// WatchConfig observes the configuration file for external changes. The
// directory is watched rather than the file so that editors and volume mounts
// that replace the file atomically are noticed too.
func (m *manager) WatchConfig(ctx context.Context) error {
	m.watcherMu.Lock()
	if m.watcher != nil {
		m.watcherMu.Unlock()
		return fmt.Errorf("config watcher is already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watcherMu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	m.watcher = watcher
	m.watcherMu.Unlock()

	target := filepath.Clean(m.configPath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", m.configPath, err)
	}

	m.logger.Info("Started watching configuration file", "path", m.configPath)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping config file watcher")
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				m.logger.Info("Config file changed, reloading", "op", event.Op.String())
				if err := m.ReloadConfig(); err != nil {
					// previous config stays active
					m.logger.Error("Failed to reload config", "error", err)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			m.logger.Error("File watcher error", "error", err)
		}
	}
}

// Close releases resources held by the manager
func (m *manager) Close() error {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if m.watcher != nil {
		if err := m.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close file watcher: %w", err)
		}
		m.watcher = nil
		m.logger.Info("Config watcher closed")
	}

	return nil
}
