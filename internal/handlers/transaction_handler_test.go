package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) CreateTransfer(ctx context.Context, senderID, receiverID string, amount int64) (*models.Transaction, error) {
	args := m.Called(senderID, receiverID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *MockLedger) Reverse(ctx context.Context, requesterID, transactionID string) (*models.Transaction, error) {
	args := m.Called(requesterID, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *MockLedger) AddFunds(ctx context.Context, accountID string, amount int64) (*models.Transaction, error) {
	args := m.Called(accountID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *MockLedger) GetByID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	args := m.Called(transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *MockLedger) ListByUser(ctx context.Context, accountID string) ([]models.Transaction, error) {
	args := m.Called(accountID)
	return args.Get(0).([]models.Transaction), args.Error(1)
}

func (m *MockLedger) ListAll(ctx context.Context) ([]models.Transaction, error) {
	args := m.Called()
	return args.Get(0).([]models.Transaction), args.Error(1)
}

func (m *MockLedger) ListTransactionLogs(ctx context.Context) ([]models.TransactionLogEntry, error) {
	args := m.Called()
	return args.Get(0).([]models.TransactionLogEntry), args.Error(1)
}

func (m *MockLedger) ListAuditRecords(ctx context.Context, subjectID string) ([]models.AuditRecord, error) {
	args := m.Called(subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AuditRecord), args.Error(1)
}

var handlerSecret = []byte("handler-secret")

func bearer(t *testing.T, accountID, role string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": accountID,
		"role":    role,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(handlerSecret)
	require.NoError(t, err)
	return "Bearer " + token
}

func newTestRouter(ledger Ledger) http.Handler {
	return NewTransactionHandler(ledger).Routes(middleware.Authenticate(handlerSecret))
}

func do(t *testing.T, h http.Handler, method, path, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) services.ErrorResponse {
	t.Helper()
	var resp services.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func completedTransfer() *models.Transaction {
	sender := "acc-a"
	return &models.Transaction{
		ID: "tx1", SenderID: &sender, ReceiverID: "acc-b", Amount: 200,
		Status: models.StatusCompleted, Type: models.TypeTransfer,
	}
}

func TestTransactionHandler_CreateTransfer(t *testing.T) {
	t.Run("sender comes from the token", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("CreateTransfer", "acc-a", "acc-b", int64(200)).Return(completedTransfer(), nil)

		w := do(t, newTestRouter(ledger), http.MethodPost, "/", `{"receiverId":"acc-b","amount":200}`, bearer(t, "acc-a", ""))

		assert.Equal(t, http.StatusCreated, w.Code)
		var txn models.Transaction
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txn))
		assert.Equal(t, "tx1", txn.ID)
		ledger.AssertExpectations(t)
	})

	t.Run("requires a token", func(t *testing.T) {
		ledger := new(MockLedger)
		w := do(t, newTestRouter(ledger), http.MethodPost, "/", `{"receiverId":"acc-b","amount":200}`, "")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		ledger.AssertNotCalled(t, "CreateTransfer", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects malformed bodies", func(t *testing.T) {
		ledger := new(MockLedger)
		router := newTestRouter(ledger)
		auth := bearer(t, "acc-a", "")

		bodies := map[string]string{
			"not json":       `{"receiverId":`,
			"unknown field":  `{"receiverId":"acc-b","amount":200,"senderId":"acc-z"}`,
			"two objects":    `{"receiverId":"acc-b","amount":200}{}`,
			"zero amount":    `{"receiverId":"acc-b","amount":0}`,
			"negative":       `{"receiverId":"acc-b","amount":-10}`,
			"missing target": `{"amount":10}`,
		}
		for name, body := range bodies {
			w := do(t, router, http.MethodPost, "/", body, auth)
			assert.Equal(t, http.StatusBadRequest, w.Code, name)
		}
		ledger.AssertNotCalled(t, "CreateTransfer", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("maps ledger error kinds", func(t *testing.T) {
		tests := []struct {
			kind   services.Kind
			status int
		}{
			{services.KindPolicy, http.StatusUnprocessableEntity},
			{services.KindConflict, http.StatusConflict},
			{services.KindNotFound, http.StatusNotFound},
			{services.KindInternal, http.StatusInternalServerError},
		}
		for _, tt := range tests {
			ledger := new(MockLedger)
			ledger.On("CreateTransfer", "acc-a", "acc-b", int64(5)).
				Return(nil, &services.Error{Kind: tt.kind, Message: "nope"})

			w := do(t, newTestRouter(ledger), http.MethodPost, "/", `{"receiverId":"acc-b","amount":5}`, bearer(t, "acc-a", ""))

			assert.Equal(t, tt.status, w.Code, tt.kind)
			resp := decodeError(t, w)
			assert.Equal(t, "nope", resp.Error)
			assert.Equal(t, tt.kind, resp.Kind)
		}
	})
}

func TestTransactionHandler_Reverse(t *testing.T) {
	t.Run("reverses as the requester", func(t *testing.T) {
		ledger := new(MockLedger)
		reversal := completedTransfer()
		reversal.ID = "tx2"
		reversal.Type = models.TypeReversal
		ledger.On("Reverse", "acc-a", "tx1").Return(reversal, nil)

		w := do(t, newTestRouter(ledger), http.MethodPost, "/reverse", `{"transactionId":"tx1"}`, bearer(t, "acc-a", ""))

		assert.Equal(t, http.StatusCreated, w.Code)
		ledger.AssertExpectations(t)
	})

	t.Run("transaction id is required", func(t *testing.T) {
		ledger := new(MockLedger)
		w := do(t, newTestRouter(ledger), http.MethodPost, "/reverse", `{}`, bearer(t, "acc-a", ""))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeError(t, w).Details, "TransactionID")
	})

	t.Run("wrong requester is forbidden", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("Reverse", "acc-b", "tx1").
			Return(nil, &services.Error{Kind: services.KindAuthorization, Message: "Only the sender can reverse the transaction"})

		w := do(t, newTestRouter(ledger), http.MethodPost, "/reverse", `{"transactionId":"tx1"}`, bearer(t, "acc-b", ""))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestTransactionHandler_AdminRoutes(t *testing.T) {
	t.Run("regular accounts are forbidden", func(t *testing.T) {
		ledger := new(MockLedger)
		router := newTestRouter(ledger)
		auth := bearer(t, "acc-a", "")

		assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodGet, "/", "", auth).Code)
		assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodGet, "/logs", "", auth).Code)
		assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodGet, "/audit?subjectId=acc-a", "", auth).Code)
		assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodGet, "/tx1", "", auth).Code)
		assert.Equal(t, http.StatusForbidden, do(t, router, http.MethodPost, "/add-funds", `{"accountId":"acc-a","amount":10}`, auth).Code)
		ledger.AssertExpectations(t)
	})

	t.Run("add funds", func(t *testing.T) {
		ledger := new(MockLedger)
		funded := &models.Transaction{ID: "tx3", ReceiverID: "acc-a", Amount: 900, Status: models.StatusCompleted, Type: models.TypeNonRefundable}
		ledger.On("AddFunds", "acc-a", int64(900)).Return(funded, nil)

		w := do(t, newTestRouter(ledger), http.MethodPost, "/add-funds", `{"accountId":"acc-a","amount":900}`, bearer(t, "ops", middleware.RoleAdmin))

		assert.Equal(t, http.StatusCreated, w.Code)
		ledger.AssertExpectations(t)
	})

	t.Run("list all", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("ListAll").Return([]models.Transaction{*completedTransfer()}, nil)

		w := do(t, newTestRouter(ledger), http.MethodGet, "/", "", bearer(t, "ops", middleware.RoleAdmin))

		assert.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Transactions []models.Transaction `json:"transactions"`
			Count        int                  `json:"count"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, 1, body.Count)
	})

	t.Run("get by id", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("GetByID", "tx1").Return(completedTransfer(), nil)
		ledger.On("GetByID", "tx-missing").
			Return(nil, &services.Error{Kind: services.KindNotFound, Message: "Transaction not found"})
		router := newTestRouter(ledger)
		auth := bearer(t, "ops", middleware.RoleAdmin)

		assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/tx1", "", auth).Code)
		w := do(t, router, http.MethodGet, "/tx-missing", "", auth)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Transaction not found", decodeError(t, w).Error)
	})

	t.Run("logs", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("ListTransactionLogs").Return([]models.TransactionLogEntry{
			{ID: "evt-1", TransactionID: "tx1", Status: models.StatusPending},
		}, nil)

		w := do(t, newTestRouter(ledger), http.MethodGet, "/logs", "", bearer(t, "ops", middleware.RoleAdmin))

		assert.Equal(t, http.StatusOK, w.Code)
		var entries []models.TransactionLogEntry
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, "tx1", entries[0].TransactionID)
	})

	t.Run("audit records", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("ListAuditRecords", "acc-a").Return([]models.AuditRecord{
			{ID: "evt-1", SubjectID: "acc-a", Category: models.CategoryKYC, Message: "User is not Verified."},
		}, nil)
		ledger.On("ListAuditRecords", "").
			Return(nil, &services.Error{Kind: services.KindValidation, Message: "SubjectId is required"})
		router := newTestRouter(ledger)
		auth := bearer(t, "ops", middleware.RoleAdmin)

		w := do(t, router, http.MethodGet, "/audit?subjectId=acc-a", "", auth)
		assert.Equal(t, http.StatusOK, w.Code)
		var records []models.AuditRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
		require.Len(t, records, 1)
		assert.Equal(t, models.CategoryKYC, records[0].Category)

		w = do(t, router, http.MethodGet, "/audit", "", auth)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "SubjectId is required", decodeError(t, w).Error)
		ledger.AssertExpectations(t)
	})
}

func TestTransactionHandler_ListByUser(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("ListByUser", "acc-b").Return([]models.Transaction{*completedTransfer()}, nil)

	w := do(t, newTestRouter(ledger), http.MethodGet, "/user", "", bearer(t, "acc-b", ""))

	assert.Equal(t, http.StatusOK, w.Code)
	var txns []models.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txns))
	assert.Len(t, txns, 1)
	ledger.AssertExpectations(t)
}

func TestTransactionHandler_ListByUserWithoutRouter(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("ListByUser", "acc-c").Return([]models.Transaction{}, nil)
	h := NewTransactionHandler(ledger)

	t.Run("uses the account on the context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/user", nil)
		req = req.WithContext(middleware.WithAccountID(req.Context(), "acc-c"))
		w := httptest.NewRecorder()

		h.ListByUser(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
		ledger.AssertExpectations(t)
	})

	t.Run("missing account", func(t *testing.T) {
		w := httptest.NewRecorder()

		h.ListByUser(w, httptest.NewRequest(http.MethodGet, "/user", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
