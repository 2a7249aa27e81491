package bridge

import (
	"context"
	"sync"

	"github.com/fluttermint/minimint-bridge/pkg/ledger"
)

// Default returns the process-wide bridge, creating it on first use
var Default = sync.OnceValues(func() (*Bridge, error) {
	return New()
})

// Init loads the client persisted at path into the process-wide bridge
func Init(path string) (bool, error) {
	b, err := Default()
	if err != nil {
		return false, err
	}
	return b.Init(context.Background(), path)
}

// JoinFederation wipes userDir and joins the federation at configURL
func JoinFederation(userDir, configURL string) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.JoinFederation(context.Background(), userDir, configURL)
}

// LeaveFederation stops and erases the active client
func LeaveFederation() error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.LeaveFederation(context.Background())
}

// DestroyClientState irreversibly deletes the client state in userDir
func DestroyClientState(userDir string) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.DestroyClientState(context.Background(), userDir)
}

// Balance returns the spendable balance of the active client
func Balance() (uint64, error) {
	b, err := Default()
	if err != nil {
		return 0, err
	}
	return b.Balance(context.Background())
}

// Pay pays bolt11 from the active client
func Pay(bolt11 string) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.Pay(context.Background(), bolt11)
}

// Invoice creates an invoice payable to the active client
func Invoice(amount uint64, description string) (string, error) {
	b, err := Default()
	if err != nil {
		return "", err
	}
	return b.Invoice(context.Background(), amount, description)
}

// DecodeInvoice returns the human readable form of bolt11
func DecodeInvoice(bolt11 string) (string, error) {
	b, err := Default()
	if err != nil {
		return "", err
	}
	return b.DecodeInvoice(context.Background(), bolt11)
}

// FetchPayment returns the payment with the given hex payment hash
func FetchPayment(paymentHash string) (ledger.BridgePayment, error) {
	b, err := Default()
	if err != nil {
		return ledger.BridgePayment{}, err
	}
	return b.FetchPayment(context.Background(), paymentHash)
}

// ListPayments returns every payment of the active client
func ListPayments() ([]ledger.BridgePayment, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.ListPayments(context.Background())
}
