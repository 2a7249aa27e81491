package app

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluttermint/minimint-bridge/internal/config"
	"github.com/fluttermint/minimint-bridge/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	keyFile := filepath.Join(dir, "key.hex")
	require.NoError(t, os.WriteFile(keyFile, []byte(hex.EncodeToString(key.Serialize())), 0600))
	secretFile := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secretFile, []byte("federationd-test-secret"), 0600))

	return &config.Config{
		Federation: config.FederationConfig{
			ID:              "dev-federation",
			Name:            "Dev Federation",
			Network:         "regtest",
			InvoiceExpiry:   "15m",
			SigningKeyFile:  keyFile,
			TokenSecretFile: secretFile,
		},
	}
}

func newDaemonServer(t *testing.T, cfg *config.Config) (*daemon, *httptest.Server) {
	t.Helper()

	d, err := newDaemon(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.telemetry.Shutdown(context.Background()) })

	server := httptest.NewServer(d.handler)
	server.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(server.Close)
	return d, server
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test server URL
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestNewDaemon_ServesFederation(t *testing.T) {
	t.Parallel()

	d, server := newDaemonServer(t, testConfig(t))
	assert.Equal(t, 15*time.Minute, d.fed.InvoiceExpiry())

	status, body := get(t, server.URL+"/config")
	require.Equal(t, http.StatusOK, status)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "dev-federation", doc["federationId"])
	assert.Equal(t, "regtest", doc["network"])

	status, _ = get(t, server.URL+"/health")
	assert.Equal(t, http.StatusOK, status)

	// no Prometheus exporter configured
	status, _ = get(t, server.URL+"/metrics")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestNewDaemon_PrometheusMetrics(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Telemetry = &telemetry.Config{
		Enabled: true,
		Metrics: &telemetry.MetricsConfig{Enabled: true, Exporter: telemetry.ExporterPrometheus},
	}
	_, server := newDaemonServer(t, cfg)

	resp, err := http.Post(server.URL+"/clients", "application/json", bytes.NewReader([]byte("{}"))) //nolint:gosec // test server URL
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	status, body := get(t, server.URL+"/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "minimint_federation_clients_registered")
	assert.Contains(t, string(body), "minimint_federation_http")
}

func TestNewDaemon_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing signing key", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		cfg.Federation.SigningKeyFile = filepath.Join(t.TempDir(), "missing")
		_, err := newDaemon(context.Background(), cfg, slog.Default())
		assert.ErrorContains(t, err, "failed to read signing key")
	})

	t.Run("missing token secret", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		cfg.Federation.TokenSecretFile = filepath.Join(t.TempDir(), "missing")
		_, err := newDaemon(context.Background(), cfg, slog.Default())
		assert.ErrorContains(t, err, "failed to read token secret")
	})
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	d, _ := newDaemonServer(t, cfg)

	previous := LogLevel.Level()
	t.Cleanup(func() { LogLevel.Set(previous) })

	cfg.Federation.InvoiceExpiry = "2m"
	cfg.LogLevel = "debug"
	d.applyConfig(cfg)

	assert.Equal(t, 2*time.Minute, d.fed.InvoiceExpiry())
	assert.Equal(t, slog.LevelDebug, LogLevel.Level())
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--format", "json"})
	require.NoError(t, cmd.Execute())

	var info map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.NotEmpty(t, info["version"])
}

func TestServeCmd_RequiresConfig(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve"})
	assert.ErrorContains(t, cmd.Execute(), "--config is required")
}

func TestRunServe_StopsWithContext(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "federation:\n" +
		"  id: dev-federation\n" +
		"  name: Dev Federation\n" +
		"  network: regtest\n" +
		"  signingKeyFile: " + cfg.Federation.SigningKeyFile + "\n" +
		"  tokenSecretFile: " + cfg.Federation.TokenSecretFile + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, path, "127.0.0.1:0") }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
