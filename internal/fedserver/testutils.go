package fedserver

import (
	"net/http/httptest"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// TestFederation is a Server listening on a local httptest server
type TestFederation struct {
	*Server
	HTTP *httptest.Server
}

// NewTestFederation starts a regtest federation with a fresh signing key. The
// server is closed when the test ends.
func NewTestFederation(tb testing.TB, opts ...Option) *TestFederation {
	tb.Helper()

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		tb.Fatalf("failed to generate federation key: %v", err)
	}

	srv := New(Identity{
		FederationID: "test-federation",
		Name:         "Test Federation",
		Network:      "regtest",
	}, key, []byte("test-token-secret"), opts...)

	httpServer := httptest.NewServer(srv.Handler())
	httpServer.Config.SetKeepAlivesEnabled(false)
	tb.Cleanup(httpServer.Close)

	return &TestFederation{Server: srv, HTTP: httpServer}
}

// ConfigURL returns the URL clients join with
func (f *TestFederation) ConfigURL() string {
	return f.HTTP.URL + "/config"
}
