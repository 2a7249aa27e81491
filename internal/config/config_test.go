package config

import (
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		yamlContent string
		wantConfig  *Config
		wantErr     string
	}{
		{
			name: "full config",
			yamlContent: `listen: "127.0.0.1:9000"
logLevel: debug
federation:
  id: fed-1
  name: Dev Federation
  network: regtest
  apiEndpoint: https://fed.example.com
  invoiceExpiry: 30m
  signingKeyFile: /etc/federationd/key
  tokenSecretFile: /etc/federationd/secret
  deposits: false
telemetry:
  enabled: true
  metrics:
    enabled: true
    exporter: prometheus`,
			wantConfig: &Config{
				Listen:   "127.0.0.1:9000",
				LogLevel: "debug",
				Federation: FederationConfig{
					ID:              "fed-1",
					Name:            "Dev Federation",
					Network:         "regtest",
					APIEndpoint:     "https://fed.example.com",
					InvoiceExpiry:   "30m",
					SigningKeyFile:  "/etc/federationd/key",
					TokenSecretFile: "/etc/federationd/secret",
					Deposits:        ptr(false),
				},
			},
		},
		{
			name: "minimal config",
			yamlContent: `federation:
  id: fed-1
  name: Dev Federation
  network: signet
  signingKeyFile: key.hex`,
			wantConfig: &Config{
				Federation: FederationConfig{
					ID:             "fed-1",
					Name:           "Dev Federation",
					Network:        "signet",
					SigningKeyFile: "key.hex",
				},
			},
		},
		{
			name:        "invalid yaml",
			yamlContent: "federation: [",
			wantErr:     "failed to parse YAML config",
		},
		{
			name: "missing identity",
			yamlContent: `federation:
  network: regtest
  signingKeyFile: key.hex`,
			wantErr: "federation.id is required",
		},
		{
			name: "bad network",
			yamlContent: `federation:
  id: fed-1
  name: n
  network: Test3
  signingKeyFile: key.hex`,
			wantErr: "federation.network",
		},
		{
			name: "bad expiry",
			yamlContent: `federation:
  id: fed-1
  name: n
  network: regtest
  invoiceExpiry: soon
  signingKeyFile: key.hex`,
			wantErr: "federation.invoiceExpiry",
		},
		{
			name: "negative expiry",
			yamlContent: `federation:
  id: fed-1
  name: n
  network: regtest
  invoiceExpiry: -5m
  signingKeyFile: key.hex`,
			wantErr: "must be positive",
		},
		{
			name: "missing key file",
			yamlContent: `federation:
  id: fed-1
  name: n
  network: regtest`,
			wantErr: "federation.signingKeyFile is required",
		},
		{
			name: "bad log level",
			yamlContent: `logLevel: chatty
federation:
  id: fed-1
  name: n
  network: regtest
  signingKeyFile: key.hex`,
			wantErr: "logLevel",
		},
		{
			name: "bad telemetry",
			yamlContent: `federation:
  id: fed-1
  name: n
  network: regtest
  signingKeyFile: key.hex
telemetry:
  enabled: true
  metrics:
    enabled: true
    exporter: statsd`,
			wantErr: "telemetry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeFile(t, t.TempDir(), "config.yaml", tt.yamlContent)
			cfg, err := LoadConfig(WithConfigPath(path))

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}

			require.NoError(t, err)
			if tt.wantConfig.Listen != "" {
				assert.Equal(t, tt.wantConfig.Listen, cfg.Listen)
			}
			assert.Equal(t, tt.wantConfig.LogLevel, cfg.LogLevel)
			assert.Equal(t, tt.wantConfig.Federation, cfg.Federation)
		})
	}
}

func TestLoadConfig_PathErrors(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "path is required")

	_, err = LoadConfig(WithConfigPath(""))
	assert.ErrorContains(t, err, "path is required")

	_, err = LoadConfig(WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.ErrorContains(t, err, "failed to evaluate symlinks")
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.Equal(t, DefaultListenAddress, cfg.GetListen())
	assert.Equal(t, slog.LevelInfo, cfg.GetLogLevel())
	assert.Equal(t, DefaultInvoiceExpiry, cfg.Federation.GetInvoiceExpiry())
	assert.True(t, cfg.Federation.DepositsEnabled())

	cfg.LogLevel = "warn"
	cfg.Federation.InvoiceExpiry = "90s"
	cfg.Federation.Deposits = ptr(false)
	assert.Equal(t, slog.LevelWarn, cfg.GetLogLevel())
	assert.Equal(t, 90*time.Second, cfg.Federation.GetInvoiceExpiry())
	assert.False(t, cfg.Federation.DepositsEnabled())
}

func TestSigningKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	t.Run("valid key with trailing newline", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, dir, "key.hex", hex.EncodeToString(key.Serialize())+"\n")
		f := FederationConfig{SigningKeyFile: path}
		got, err := f.SigningKey()
		require.NoError(t, err)
		assert.True(t, key.PubKey().IsEqual(got.PubKey()))
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		f := FederationConfig{SigningKeyFile: filepath.Join(dir, "nope")}
		_, err := f.SigningKey()
		assert.ErrorContains(t, err, "failed to read signing key")
	})

	t.Run("not hex", func(t *testing.T) {
		t.Parallel()

		f := FederationConfig{SigningKeyFile: writeFile(t, dir, "nothex", "zz")}
		_, err := f.SigningKey()
		assert.ErrorContains(t, err, "is not hex")
	})

	t.Run("wrong length", func(t *testing.T) {
		t.Parallel()

		f := FederationConfig{SigningKeyFile: writeFile(t, dir, "short", "abcd")}
		_, err := f.SigningKey()
		assert.ErrorContains(t, err, "must be 32 bytes")
	})
}

func TestTokenSecret_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	f := FederationConfig{TokenSecretFile: writeFile(t, dir, "secret", "  a-long-enough-secret\n")}
	secret, err := f.TokenSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("a-long-enough-secret"), secret)

	f = FederationConfig{TokenSecretFile: writeFile(t, dir, "short", "tiny")}
	_, err = f.TokenSecret()
	assert.ErrorContains(t, err, "at least 16 characters")
}

func TestTokenSecret_Env(t *testing.T) {
	t.Setenv(TokenSecretEnv, "secret-from-the-environment")

	f := FederationConfig{}
	secret, err := f.TokenSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-from-the-environment"), secret)

	t.Setenv(TokenSecretEnv, "")
	_, err = f.TokenSecret()
	assert.ErrorContains(t, err, "no token secret configured")
}

func ptr[T any](v T) *T {
	return &v
}
