package mint

import "github.com/fluttermint/minimint-bridge/pkg/invoice"

// Wire types of the federation API

type registerResponse struct {
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
}

type clientResponse struct {
	ClientID string `json:"clientId"`
	Balance  uint64 `json:"balance"`
}

type createInvoiceRequest struct {
	ClientID    string `json:"clientId"`
	Amount      uint64 `json:"amount"`
	Description string `json:"description"`
}

type createInvoiceResponse struct {
	Invoice     string              `json:"invoice"`
	PaymentHash invoice.PaymentHash `json:"paymentHash"`
}

type invoiceStatusResponse struct {
	PaymentHash invoice.PaymentHash `json:"paymentHash"`
	Amount      uint64              `json:"amount"`
	Paid        bool                `json:"paid"`
	Expired     bool                `json:"expired"`
}

type payRequest struct {
	ClientID string `json:"clientId"`
	Invoice  string `json:"invoice"`
}

type payResponse struct {
	PaymentHash invoice.PaymentHash `json:"paymentHash"`
	Amount      uint64              `json:"amount"`
	Balance     uint64              `json:"balance"`
}
