package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
)

const maxBodyBytes = 1_048_576 // 1 MB

// Ledger is the subset of the ledger engine exposed over HTTP
type Ledger interface {
	CreateTransfer(ctx context.Context, senderID, receiverID string, amount int64) (*models.Transaction, error)
	Reverse(ctx context.Context, requesterID, transactionID string) (*models.Transaction, error)
	AddFunds(ctx context.Context, accountID string, amount int64) (*models.Transaction, error)
	GetByID(ctx context.Context, transactionID string) (*models.Transaction, error)
	ListByUser(ctx context.Context, accountID string) ([]models.Transaction, error)
	ListAll(ctx context.Context) ([]models.Transaction, error)
	ListTransactionLogs(ctx context.Context) ([]models.TransactionLogEntry, error)
	ListAuditRecords(ctx context.Context, subjectID string) ([]models.AuditRecord, error)
}

type TransactionHandler struct {
	ledger    Ledger
	validator *services.ValidationHelper
}

func NewTransactionHandler(ledger Ledger) *TransactionHandler {
	return &TransactionHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// Routes mounts the transaction endpoints. Everything requires a bearer
// token; the operational endpoints also require the admin role.
func (h *TransactionHandler) Routes(auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(auth)

	r.Post("/", h.CreateTransfer)
	r.Post("/reverse", h.Reverse)
	r.Get("/user", h.ListByUser)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdmin)
		r.Post("/add-funds", h.AddFunds)
		r.Get("/", h.ListAll)
		r.Get("/logs", h.ListTransactionLogs)
		r.Get("/audit", h.ListAuditRecords)
		r.Get("/{txId}", h.GetByID)
	})
	return r
}

type createTransferRequest struct {
	ReceiverID string `json:"receiverId" validate:"required"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
}

type reverseRequest struct {
	TransactionID string `json:"transactionId" validate:"required"`
}

type addFundsRequest struct {
	AccountID string `json:"accountId" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
}

// CreateTransfer sends funds from the authenticated account
// @Summary Create a transfer
// @Description Move funds to another verified account after KYC/AML checks
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createTransferRequest true "Transfer request"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transactions [post]
func (h *TransactionHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	senderID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req createTransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	txn, err := h.ledger.CreateTransfer(r.Context(), senderID, req.ReceiverID, req.Amount)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.SendJSON(w, http.StatusCreated, txn)
}

// Reverse undoes a completed transfer sent by the authenticated account
// @Summary Reverse a transfer
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body reverseRequest true "Reversal request"
// @Success 201 {object} models.Transaction
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transactions/reverse [post]
func (h *TransactionHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req reverseRequest
	if !h.decode(w, r, &req) {
		return
	}

	reversal, err := h.ledger.Reverse(r.Context(), requesterID, req.TransactionID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.SendJSON(w, http.StatusCreated, reversal)
}

// AddFunds credits an account from outside the ledger
// @Summary Add funds
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body addFundsRequest true "Funding request"
// @Success 201 {object} models.Transaction
// @Failure 404 {object} services.ErrorResponse
// @Router /transactions/add-funds [post]
func (h *TransactionHandler) AddFunds(w http.ResponseWriter, r *http.Request) {
	var req addFundsRequest
	if !h.decode(w, r, &req) {
		return
	}

	txn, err := h.ledger.AddFunds(r.Context(), req.AccountID, req.Amount)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.SendJSON(w, http.StatusCreated, txn)
}

// ListByUser returns transactions the authenticated account sent or received
// @Summary List my transactions
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Transaction
// @Router /transactions/user [get]
func (h *TransactionHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txns, err := h.ledger.ListByUser(r.Context(), accountID)
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, txns)
}

// GetByID retrieves a specific transaction
// @Summary Get transaction by ID
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} services.ErrorResponse
// @Router /transactions/{txId} [get]
func (h *TransactionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	txn, err := h.ledger.GetByID(r.Context(), chi.URLParam(r, "txId"))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, txn)
}

// ListAll returns every transaction
// @Summary List transactions
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Router /transactions [get]
func (h *TransactionHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	txns, err := h.ledger.ListAll(r.Context())
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"count":        len(txns),
	})
}

// ListTransactionLogs returns the status history of every transaction
// @Summary List transaction logs
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.TransactionLogEntry
// @Router /transactions/logs [get]
func (h *TransactionHandler) ListTransactionLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.ledger.ListTransactionLogs(r.Context())
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, logs)
}

// ListAuditRecords returns the compliance rejections recorded for an account
// @Summary List audit records
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param subjectId query string true "Account ID"
// @Success 200 {array} models.AuditRecord
// @Failure 400 {object} services.ErrorResponse
// @Router /transactions/audit [get]
func (h *TransactionHandler) ListAuditRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.ListAuditRecords(r.Context(), r.URL.Query().Get("subjectId"))
	if err != nil {
		services.SendLedgerError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, records)
}

// decode reads a single strict JSON object into dst and validates it
func (h *TransactionHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
