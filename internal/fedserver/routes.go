package fedserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fluttermint/minimint-bridge/internal/telemetry"
	"github.com/fluttermint/minimint-bridge/pkg/bridgeerr"
	"github.com/fluttermint/minimint-bridge/pkg/invoice"
)

const maxRequestBody = 64 << 10

// RegisterResponse is returned by POST /clients
type RegisterResponse struct {
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
}

// ClientResponse is returned by GET /clients/{id} and deposits
type ClientResponse struct {
	ClientID string `json:"clientId"`
	Balance  uint64 `json:"balance"`
}

// DepositRequest is the body of POST /clients/{id}/deposit
type DepositRequest struct {
	Amount uint64 `json:"amount"`
}

// CreateInvoiceRequest is the body of POST /invoices
type CreateInvoiceRequest struct {
	ClientID    string `json:"clientId"`
	Amount      uint64 `json:"amount"`
	Description string `json:"description"`
}

// CreateInvoiceResponse is returned by POST /invoices
type CreateInvoiceResponse struct {
	Invoice     string              `json:"invoice"`
	PaymentHash invoice.PaymentHash `json:"paymentHash"`
}

// PayRequest is the body of POST /payments
type PayRequest struct {
	ClientID string `json:"clientId"`
	Invoice  string `json:"invoice"`
}

// PayResponse is returned by POST /payments
type PayResponse struct {
	PaymentHash invoice.PaymentHash `json:"paymentHash"`
	Amount      uint64              `json:"amount"`
	Balance     uint64              `json:"balance"`
	Preimage    string              `json:"preimage"`
}

func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}

// statusOf maps ledger errors to HTTP statuses
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownClient), errors.Is(err, ErrInvoiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrAlreadyPaid):
		return http.StatusConflict
	case errors.Is(err, ErrInvoiceExpired):
		return http.StatusGone
	case errors.Is(err, ErrForeignInvoice), errors.Is(err, ErrInvalidAmount),
		bridgeerr.IsKind(err, bridgeerr.KindInvoiceInvalid):
		return http.StatusBadRequest
	case errors.Is(err, errMissingToken), errors.Is(err, errInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, errWrongClient):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// paymentOutcome labels a payment result for metrics
func paymentOutcome(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeSettled
	case errors.Is(err, ErrInsufficientFunds):
		return telemetry.OutcomeInsufficient
	case errors.Is(err, ErrInvoiceExpired):
		return telemetry.OutcomeExpired
	case errors.Is(err, ErrAlreadyPaid):
		return telemetry.OutcomeAlreadyPaid
	default:
		return telemetry.OutcomeRejected
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func (*Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Config(), http.StatusOK)
}

func (s *Server) registerClient(w http.ResponseWriter, r *http.Request) {
	id := s.ledger.RegisterClient()
	token, err := s.tokens.Issue(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.metrics.RecordClientRegistered(r.Context())
	s.logger.Info("Client registered", "client_id", id)
	writeJSON(w, RegisterResponse{ClientID: id, Token: token}, http.StatusCreated)
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tokens.Authorize(r, id); err != nil {
		s.fail(w, r, err)
		return
	}

	balance, err := s.ledger.Balance(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, ClientResponse{ClientID: id, Balance: balance}, http.StatusOK)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	if !s.depositsEnabled.Load() {
		writeError(w, "deposits are disabled", http.StatusForbidden)
		return
	}

	id := chi.URLParam(r, "id")
	var req DepositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	balance, err := s.ledger.Deposit(id, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("Deposit credited", "client_id", id, "amount", req.Amount)
	writeJSON(w, ClientResponse{ClientID: id, Balance: balance}, http.StatusOK)
}

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.tokens.Authorize(r, req.ClientID); err != nil {
		s.fail(w, r, err)
		return
	}

	encoded, hash, err := s.ledger.IssueInvoice(req.ClientID, req.Amount, req.Description, s.InvoiceExpiry())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.metrics.RecordInvoiceIssued(r.Context())
	s.logger.Debug("Invoice issued", "client_id", req.ClientID, "payment_hash", hash.String(), "amount", req.Amount)
	writeJSON(w, CreateInvoiceResponse{Invoice: encoded, PaymentHash: hash}, http.StatusCreated)
}

func (s *Server) invoiceHash(w http.ResponseWriter, r *http.Request) (invoice.PaymentHash, bool) {
	hash, err := invoice.ParsePaymentHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, "invalid payment hash", http.StatusBadRequest)
		return invoice.PaymentHash{}, false
	}
	return hash, true
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.invoiceHash(w, r)
	if !ok {
		return
	}

	status, err := s.ledger.Invoice(hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, http.StatusOK)
}

func (s *Server) settleInvoice(w http.ResponseWriter, r *http.Request) {
	hash, ok := s.invoiceHash(w, r)
	if !ok {
		return
	}

	status, err := s.ledger.Settle(hash)
	s.metrics.RecordPayment(r.Context(), paymentOutcome(err), status.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("Invoice settled externally", "payment_hash", hash.String(), "amount", status.Amount)
	writeJSON(w, status, http.StatusOK)
}

func (s *Server) pay(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.tokens.Authorize(r, req.ClientID); err != nil {
		s.fail(w, r, err)
		return
	}

	balance, status, err := s.ledger.Pay(req.ClientID, req.Invoice)
	s.metrics.RecordPayment(r.Context(), paymentOutcome(err), status.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.logger.Info("Payment settled",
		"client_id", req.ClientID,
		"payment_hash", status.PaymentHash.String(),
		"amount", status.Amount,
	)
	writeJSON(w, PayResponse{
		PaymentHash: status.PaymentHash,
		Amount:      status.Amount,
		Balance:     balance,
		Preimage:    status.Preimage,
	}, http.StatusOK)
}
