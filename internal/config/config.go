// Package config provides configuration loading and management for federationd.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"gopkg.in/yaml.v3"

	"github.com/fluttermint/minimint-bridge/internal/telemetry"
)

const (
	// DefaultListenAddress is the address federationd serves on
	DefaultListenAddress = ":8174"

	// DefaultInvoiceExpiry is the expiry of issued invoices
	DefaultInvoiceExpiry = time.Hour

	// TokenSecretEnv is read when no token secret file is configured
	TokenSecretEnv = "FEDERATIOND_TOKEN_SECRET"

	minTokenSecretLength = 16
)

var networkPattern = regexp.MustCompile(`^[a-z]{1,16}$`)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks; this also cleans the path
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Listen is the HTTP listen address. Defaults to DefaultListenAddress.
	Listen string `yaml:"listen,omitempty"`

	// LogLevel is one of debug, info, warn, error. Reloadable.
	LogLevel string `yaml:"logLevel,omitempty"`

	Federation FederationConfig  `yaml:"federation"`
	Telemetry  *telemetry.Config `yaml:"telemetry,omitempty"`
}

// FederationConfig describes the federation being served
type FederationConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Network string `yaml:"network"`

	// APIEndpoint is advertised to clients when the server sits behind a proxy
	APIEndpoint string `yaml:"apiEndpoint,omitempty"`

	// InvoiceExpiry is a duration such as "1h". Reloadable.
	InvoiceExpiry string `yaml:"invoiceExpiry,omitempty"`

	// SigningKeyFile holds the hex encoded secp256k1 private key invoices are signed with
	SigningKeyFile string `yaml:"signingKeyFile"`

	// TokenSecretFile holds the HMAC secret for client tokens. When empty,
	// FEDERATIOND_TOKEN_SECRET is used.
	TokenSecretFile string `yaml:"tokenSecretFile,omitempty"`

	// Deposits enables the test funding endpoint. Defaults to true. Reloadable.
	Deposits *bool `yaml:"deposits,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetListen returns the listen address, using the default if not specified
func (c *Config) GetListen() string {
	if c.Listen == "" {
		return DefaultListenAddress
	}
	return c.Listen
}

// GetLogLevel returns the configured level, info when unset or unknown
func (c *Config) GetLogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	err := level.UnmarshalText([]byte(s))
	return level, err
}

// GetInvoiceExpiry returns the invoice expiry, using the default if not specified
func (f *FederationConfig) GetInvoiceExpiry() time.Duration {
	d, err := time.ParseDuration(f.InvoiceExpiry)
	if err != nil || d <= 0 {
		return DefaultInvoiceExpiry
	}
	return d
}

// DepositsEnabled reports whether the funding endpoint is served
func (f *FederationConfig) DepositsEnabled() bool {
	return f.Deposits == nil || *f.Deposits
}

// SigningKey reads the federation signing key
func (f *FederationConfig) SigningKey() (*secp256k1.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Clean(f.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key from %s: %w", f.SigningKeyFile, err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("signing key in %s is not hex: %w", f.SigningKeyFile, err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("signing key in %s must be %d bytes, got %d", f.SigningKeyFile, secp256k1.PrivKeyBytesLen, len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// TokenSecret returns the client token secret using the following priority:
// 1. Read from TokenSecretFile if specified
// 2. Read from the FEDERATIOND_TOKEN_SECRET environment variable
func (f *FederationConfig) TokenSecret() ([]byte, error) {
	var secret string
	switch {
	case f.TokenSecretFile != "":
		data, err := os.ReadFile(filepath.Clean(f.TokenSecretFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read token secret from %s: %w", f.TokenSecretFile, err)
		}
		secret = strings.TrimSpace(string(data))
	case os.Getenv(TokenSecretEnv) != "":
		secret = os.Getenv(TokenSecretEnv)
	default:
		return nil, fmt.Errorf("no token secret configured: set tokenSecretFile or %s", TokenSecretEnv)
	}

	if len(secret) < minTokenSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d characters", minTokenSecretLength)
	}
	return []byte(secret), nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	var errs []error
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}
	if err := c.Federation.validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (f *FederationConfig) validate() error {
	var errs []error
	if f.ID == "" {
		errs = append(errs, fmt.Errorf("federation.id is required"))
	}
	if f.Name == "" {
		errs = append(errs, fmt.Errorf("federation.name is required"))
	}
	if !networkPattern.MatchString(f.Network) {
		errs = append(errs, fmt.Errorf("federation.network must be 1 to 16 lowercase letters, got %q", f.Network))
	}
	if f.InvoiceExpiry != "" {
		d, err := time.ParseDuration(f.InvoiceExpiry)
		if err != nil {
			errs = append(errs, fmt.Errorf("federation.invoiceExpiry must be a valid duration (e.g., '30m', '1h'): %w", err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("federation.invoiceExpiry must be positive"))
		}
	}
	if f.SigningKeyFile == "" {
		errs = append(errs, fmt.Errorf("federation.signingKeyFile is required"))
	}
	return errors.Join(errs...)
}
