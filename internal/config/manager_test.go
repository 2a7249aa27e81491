package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configYAML(expiry string, deposits bool) string {
	d := "true"
	if !deposits {
		d = "false"
	}
	return `logLevel: info
federation:
  id: fed-1
  name: Dev Federation
  network: regtest
  invoiceExpiry: ` + expiry + `
  signingKeyFile: key.hex
  deposits: ` + d + "\n"
}

func TestNewManager(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content *string
		errMsg  string
	}{
		{name: "valid config", content: ptr(configYAML("1h", true))},
		{name: "invalid config", content: ptr("federation:\n  id: fed-1\n"), errMsg: "invalid configuration"},
		{name: "nonexistent config", errMsg: "failed to load initial configuration"},
		{name: "invalid yaml syntax", content: ptr("invalid: [yaml"), errMsg: "failed to load initial configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "config.yaml")
			if tt.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0600))
			}

			m, err := NewManager(path)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "fed-1", m.GetConfig().Federation.ID)
			assert.NoError(t, m.Close())
		})
	}
}

func TestManager_GetConfigReturnsCopy(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "config.yaml", configYAML("1h", true))
	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.GetConfig()
	cfg.Listen = "changed"
	assert.Empty(t, m.GetConfig().Listen)
}

func TestManager_ReloadConfig(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "config.yaml", configYAML("1h", true))

	var calls []string
	m, err := NewManager(path, WithReloadHook(func(previous, current *Config) {
		calls = append(calls, previous.Federation.InvoiceExpiry+"->"+current.Federation.InvoiceExpiry)
	}))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(configYAML("10m", false)), 0600))
	require.NoError(t, m.ReloadConfig())
	assert.Equal(t, 10*time.Minute, m.GetConfig().Federation.GetInvoiceExpiry())
	assert.False(t, m.GetConfig().Federation.DepositsEnabled())

	// an invalid edit keeps the last good config and skips the hooks
	require.NoError(t, os.WriteFile(path, []byte("federation:\n  id: \"\"\n"), 0600))
	require.Error(t, m.ReloadConfig())
	assert.Equal(t, 10*time.Minute, m.GetConfig().Federation.GetInvoiceExpiry())

	assert.Equal(t, []string{"1h->10m"}, calls)
}

func TestManager_WatchConfig(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "config.yaml", configYAML("1h", true))

	var mu sync.Mutex
	var expiries []time.Duration
	m, err := NewManager(path, WithReloadHook(func(_, current *Config) {
		mu.Lock()
		defer mu.Unlock()
		expiries = append(expiries, current.Federation.GetInvoiceExpiry())
	}))
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	watchErr := make(chan error, 1)
	go func() { watchErr <- m.WatchConfig(ctx) }()

	// writes may race the watcher registration, so keep writing until noticed
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(configYAML("5m", false)), 0600)
		return m.GetConfig().Federation.GetInvoiceExpiry() == 5*time.Minute
	}, 5*time.Second, 50*time.Millisecond)

	assert.False(t, m.GetConfig().Federation.DepositsEnabled())

	// a broken edit is ignored
	require.NoError(t, os.WriteFile(path, []byte("invalid: [yaml"), 0600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5*time.Minute, m.GetConfig().Federation.GetInvoiceExpiry())

	cancel()
	select {
	case err := <-watchErr:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, expiries)
	assert.Equal(t, 5*time.Minute, expiries[len(expiries)-1])
}

func TestManager_WatchConfigTwice(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "config.yaml", configYAML("1h", true))
	m, err := NewManager(path)
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.WatchConfig(ctx) }()

	impl := m.(*manager)
	require.Eventually(t, func() bool {
		impl.watcherMu.Lock()
		defer impl.watcherMu.Unlock()
		return impl.watcher != nil
	}, 5*time.Second, 10*time.Millisecond)

	err = m.WatchConfig(ctx)
	assert.EqualError(t, err, "config watcher is already running")
}
