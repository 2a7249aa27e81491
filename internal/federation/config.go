// Package federation fetches and validates the configuration a federation publishes
// for joining clients.
package federation

import (
	"context"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tailscale/hujson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/fluttermint/minimint-bridge/internal/httpclient"
	"github.com/fluttermint/minimint-bridge/internal/versions"
	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
)

//go:embed config.schema.json
var configSchema []byte

// Config is the public configuration of a federation
type Config struct {
	FederationID      string `json:"federationId"`
	Name              string `json:"name"`
	APIVersion        string `json:"apiVersion"`
	APIEndpoint       string `json:"apiEndpoint,omitempty"`
	Network           string `json:"network"`
	InvoiceExpirySecs uint64 `json:"invoiceExpirySecs,omitempty"`
	PublicKey         string `json:"publicKey"`
}

// PubKey parses the federation's signing key
func (c *Config) PubKey() (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(c.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key is not hex: %w", err)
	}
	return secp256k1.ParsePubKey(raw)
}

// Validate checks the semantic rules the schema cannot express
func (c *Config) Validate() error {
	var errs []error
	if err := versions.CheckFederationAPI(c.APIVersion); err != nil {
		errs = append(errs, fmt.Errorf("unsupported federation API: %w", err))
	}
	if _, err := c.PubKey(); err != nil {
		errs = append(errs, fmt.Errorf("invalid public key: %w", err))
	}
	if c.APIEndpoint != "" {
		u, err := url.Parse(c.APIEndpoint)
		if err != nil || !u.IsAbs() || u.Host == "" {
			errs = append(errs, fmt.Errorf("apiEndpoint must be an absolute URL, got %q", c.APIEndpoint))
		}
	}
	return errors.Join(errs...)
}

// Parse decodes and validates a configuration document. The document may
// contain comments and trailing commas.
func Parse(data []byte) (*Config, error) {
	standard, err := hujson.Standardize(data)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindConfigInvalid, "parse_config", "config is not valid JSON", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(configSchema),
		gojsonschema.NewBytesLoader(standard),
	)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindConfigInvalid, "parse_config", "config could not be validated", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, bridgeerr.Newf(bridgeerr.KindConfigInvalid, "parse_config",
			"config does not match schema: %s", strings.Join(msgs, "; "))
	}

	var cfg Config
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindConfigInvalid, "parse_config", "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindConfigInvalid, "parse_config", "invalid config", err)
	}
	return &cfg, nil
}

// Fetch downloads and parses the configuration published at configURL. When the
// document names no API endpoint, the directory containing configURL is used.
func Fetch(ctx context.Context, client httpclient.Client, configURL string) (*Config, error) {
	data, err := client.Get(ctx, configURL)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindFederationUnreachable, "fetch_config",
			fmt.Sprintf("failed to fetch federation config from %s", configURL), err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if cfg.APIEndpoint == "" {
		endpoint, err := endpointFromConfigURL(configURL)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindConfigInvalid, "fetch_config", "cannot derive API endpoint", err)
		}
		cfg.APIEndpoint = endpoint
	}
	return cfg, nil
}

func endpointFromConfigURL(configURL string) (string, error) {
	u, err := url.Parse(configURL)
	if err != nil {
		return "", err
	}
	u.RawQuery = ""
	u.Fragment = ""
	if i := strings.LastIndex(u.Path, "/"); i >= 0 {
		u.Path = u.Path[:i]
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}
