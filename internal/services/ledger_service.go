package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/logging"
	"github.com/ruralpay/ledger/internal/metrics"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/store"
	"go.uber.org/zap"
)

const (
	opTransfer = "transfer"
	opReverse  = "reverse"
	opAddFunds = "add_funds"
)

// LedgerService moves funds between accounts. Every mutating operation
// writes a PENDING transaction, then applies its balance changes and status
// transitions in a single atomic scope.
type LedgerService struct {
	store      store.Store
	compliance *ComplianceRuleSet
	audit      AuditRecorder
	metrics    metrics.Collector
	logger     *logging.Logger
	reader     AuditReader
	now        func() time.Time
	newID      func() string
}

// AuditReader reads back what the audit sinks persisted
type AuditReader interface {
	ListTransactionLogs(ctx context.Context) ([]models.TransactionLogEntry, error)
	ListAuditRecords(ctx context.Context, subjectID string) ([]models.AuditRecord, error)
}

func NewLedgerService(s store.Store, cfg *config.LedgerConfig, audit AuditRecorder, collector metrics.Collector, logger *logging.Logger) *LedgerService {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	ls := &LedgerService{
		store:   s,
		audit:   audit,
		metrics: collector,
		logger:  logger.Named("ledger"),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	ls.compliance = NewComplianceRuleSet(s, cfg, audit, collector, logger)
	ls.compliance.now = func() time.Time { return ls.now() }
	return ls
}

// CreateTransfer moves amount from sender to receiver after the compliance
// rule set approves it.
func (s *LedgerService) CreateTransfer(ctx context.Context, senderID, receiverID string, amount int64) (*models.Transaction, error) {
	start := time.Now()

	if senderID == "" || receiverID == "" {
		return nil, s.rejected(opTransfer, start, validationError("Sender and receiver are required"))
	}
	if amount <= 0 {
		return nil, s.rejected(opTransfer, start, validationError("Amount must be greater than zero"))
	}

	req := TransferRequest{SenderID: senderID, ReceiverID: receiverID, Amount: amount}
	if err := s.compliance.Evaluate(ctx, req); err != nil {
		return nil, s.rejected(opTransfer, start, err)
	}

	txn := s.newTransaction(&senderID, receiverID, amount, models.TypeTransfer)
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, s.rejected(opTransfer, start, internalError("Failed to create transaction", err))
	}
	s.recordTransition(ctx, txn, "CreateTransfer")

	completedAt := s.now()
	err := s.store.WithAtomicScope(ctx, func(tx store.Tx) error {
		accounts, err := tx.LockAccounts(ctx, senderID, receiverID)
		if err != nil {
			return err
		}
		// the compliance check ran before the lock was held
		if accounts[senderID].Balance < amount {
			return policyError("Insufficient funds")
		}
		if err := tx.UpdateAccountBalance(ctx, senderID, -amount); err != nil {
			return err
		}
		if err := tx.UpdateAccountBalance(ctx, receiverID, amount); err != nil {
			return err
		}
		return tx.UpdateTransactionStatus(ctx, txn.ID, models.StatusPending, models.StatusCompleted, completedAt)
	})
	if err != nil {
		return nil, s.fail(ctx, opTransfer, start, txn, "CreateTransfer", err)
	}

	txn.Status = models.StatusCompleted
	txn.UpdatedAt = completedAt
	s.recordTransition(ctx, txn, "CreateTransfer")
	s.completed(opTransfer, start, txn)
	return txn, nil
}

// Reverse returns the funds of a completed transfer to its sender. Only the
// original sender may reverse, and fund injections never can be.
func (s *LedgerService) Reverse(ctx context.Context, requesterID, transactionID string) (*models.Transaction, error) {
	start := time.Now()

	if transactionID == "" {
		return nil, s.rejected(opReverse, start, validationError("TransactionId is required"))
	}

	original, err := s.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.rejected(opReverse, start, notFoundError("Transaction not found", err))
	}
	if err != nil {
		return nil, s.rejected(opReverse, start, internalError("Failed to load transaction", err))
	}
	if err := checkReversible(original, requesterID); err != nil {
		return nil, s.rejected(opReverse, start, err)
	}

	reversal := s.newTransaction(original.SenderID, original.ReceiverID, original.Amount, models.TypeReversal)
	reversal.ReversalOf = &original.ID
	if err := s.store.CreateTransaction(ctx, reversal); err != nil {
		return nil, s.rejected(opReverse, start, internalError("Failed to create reversal", err))
	}
	s.recordTransition(ctx, reversal, "Reverse")

	finalizedAt := s.now()
	err = s.store.WithAtomicScope(ctx, func(tx store.Tx) error {
		locked, err := tx.LockTransaction(ctx, original.ID)
		if err != nil {
			return err
		}
		// a concurrent reversal may have won the race
		if err := checkReversible(locked, requesterID); err != nil {
			return err
		}

		senderID := *locked.SenderID
		accounts, err := tx.LockAccounts(ctx, senderID, locked.ReceiverID)
		if err != nil {
			return err
		}
		if accounts[locked.ReceiverID].Balance < locked.Amount {
			return policyError("Receiver has insufficient funds for reversal")
		}

		if err := tx.UpdateAccountBalance(ctx, senderID, locked.Amount); err != nil {
			return err
		}
		if err := tx.UpdateAccountBalance(ctx, locked.ReceiverID, -locked.Amount); err != nil {
			return err
		}
		if err := tx.UpdateTransactionStatus(ctx, locked.ID, models.StatusCompleted, models.StatusReversed, finalizedAt); err != nil {
			return err
		}
		return tx.UpdateTransactionStatus(ctx, reversal.ID, models.StatusPending, models.StatusCompleted, finalizedAt)
	})
	if err != nil {
		return nil, s.fail(ctx, opReverse, start, reversal, "Reverse", err)
	}

	original.Status = models.StatusReversed
	original.UpdatedAt = finalizedAt
	reversal.Status = models.StatusCompleted
	reversal.UpdatedAt = finalizedAt
	s.recordTransition(ctx, original, "Reverse")
	s.recordTransition(ctx, reversal, "Reverse")
	s.completed(opReverse, start, reversal)
	return reversal, nil
}

// AddFunds credits an account from outside the ledger. It is an operational
// entry point and bypasses compliance; the result is never reversible.
func (s *LedgerService) AddFunds(ctx context.Context, accountID string, amount int64) (*models.Transaction, error) {
	start := time.Now()

	if accountID == "" {
		return nil, s.rejected(opAddFunds, start, validationError("Account is required"))
	}
	if amount <= 0 {
		return nil, s.rejected(opAddFunds, start, validationError("Amount must be greater than zero"))
	}

	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.rejected(opAddFunds, start, notFoundError("User not found", err))
		}
		return nil, s.rejected(opAddFunds, start, internalError("Failed to load account", err))
	}

	txn := s.newTransaction(nil, accountID, amount, models.TypeNonRefundable)
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, s.rejected(opAddFunds, start, internalError("Failed to create transaction", err))
	}
	s.recordTransition(ctx, txn, "AddFunds")

	completedAt := s.now()
	err := s.store.WithAtomicScope(ctx, func(tx store.Tx) error {
		if _, err := tx.LockAccounts(ctx, accountID); err != nil {
			return err
		}
		if err := tx.UpdateAccountBalance(ctx, accountID, amount); err != nil {
			return err
		}
		return tx.UpdateTransactionStatus(ctx, txn.ID, models.StatusPending, models.StatusCompleted, completedAt)
	})
	if err != nil {
		return nil, s.fail(ctx, opAddFunds, start, txn, "AddFunds", err)
	}

	txn.Status = models.StatusCompleted
	txn.UpdatedAt = completedAt
	s.recordTransition(ctx, txn, "AddFunds")
	s.completed(opAddFunds, start, txn)
	return txn, nil
}

// GetByID returns a single transaction
func (s *LedgerService) GetByID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("Transaction not found", err)
	}
	if err != nil {
		return nil, internalError("Failed to fetch transaction", err)
	}
	return txn, nil
}

// ListByUser returns every transaction the account sent or received
func (s *LedgerService) ListByUser(ctx context.Context, accountID string) ([]models.Transaction, error) {
	txns, err := s.store.ListTransactions(ctx, models.TransactionFilter{AccountID: accountID})
	if err != nil {
		return nil, internalError("Failed to fetch transactions", err)
	}
	return txns, nil
}

// ListAll returns every transaction in the ledger
func (s *LedgerService) ListAll(ctx context.Context) ([]models.Transaction, error) {
	txns, err := s.store.ListTransactions(ctx, models.TransactionFilter{})
	if err != nil {
		return nil, internalError("Failed to fetch transactions", err)
	}
	return txns, nil
}

// WithAuditReader sets the reader behind ListTransactionLogs and
// ListAuditRecords
func (s *LedgerService) WithAuditReader(r AuditReader) *LedgerService {
	s.reader = r
	return s
}

// ListTransactionLogs returns every recorded status snapshot, oldest first
func (s *LedgerService) ListTransactionLogs(ctx context.Context) ([]models.TransactionLogEntry, error) {
	if s.reader == nil {
		return nil, internalError("Transaction logs are not available", nil)
	}
	entries, err := s.reader.ListTransactionLogs(ctx)
	if err != nil {
		return nil, internalError("Failed to fetch transaction logs", err)
	}
	return entries, nil
}

// ListAuditRecords returns the compliance rejections recorded against an
// account, oldest first
func (s *LedgerService) ListAuditRecords(ctx context.Context, subjectID string) ([]models.AuditRecord, error) {
	if subjectID == "" {
		return nil, validationError("SubjectId is required")
	}
	if s.reader == nil {
		return nil, internalError("Audit records are not available", nil)
	}
	records, err := s.reader.ListAuditRecords(ctx, subjectID)
	if err != nil {
		return nil, internalError("Failed to fetch audit records", err)
	}
	return records, nil
}

// checkReversible applies the reversal eligibility rules in order
func checkReversible(original *models.Transaction, requesterID string) error {
	if original.Status != models.StatusCompleted {
		return policyError("Only completed transactions can be reversed")
	}
	// a reversal is already the pair of one original
	if original.Type == models.TypeReversal {
		return policyError("Reversal transactions cannot be reversed")
	}
	// injected funds have no sender to authorize against
	if original.SenderID == nil {
		return policyError("Non Refundable Transactions cannot be reversed")
	}
	if *original.SenderID != requesterID {
		return authorizationError("Only the sender can reverse the transaction")
	}
	if original.Type == models.TypeNonRefundable {
		return policyError("Non Refundable Transactions cannot be reversed")
	}
	return nil
}

func (s *LedgerService) newTransaction(senderID *string, receiverID string, amount int64, txnType models.TransactionType) *models.Transaction {
	now := s.now()
	var sender *string
	if senderID != nil {
		id := *senderID
		sender = &id
	}
	return &models.Transaction{
		ID:         s.newID(),
		SenderID:   sender,
		ReceiverID: receiverID,
		Amount:     amount,
		Status:     models.StatusPending,
		Type:       txnType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// fail marks txn FAILED outside the aborted scope and classifies err.
// FAILED is terminal; callers must issue a fresh operation.
func (s *LedgerService) fail(ctx context.Context, op string, start time.Time, txn *models.Transaction, calledBy string, scopeErr error) error {
	failedAt := s.now()
	// the caller's context may already be cancelled; the compensating write still has to land
	compCtx := context.WithoutCancel(ctx)
	if err := s.store.UpdateTransactionStatus(compCtx, txn.ID, models.StatusPending, models.StatusFailed, failedAt); err != nil {
		s.logger.Error("failed to mark transaction FAILED",
			zap.String("transaction_id", txn.ID),
			zap.NamedError("scope_error", scopeErr),
			zap.Error(err),
		)
	} else {
		txn.Status = models.StatusFailed
		txn.UpdatedAt = failedAt
		s.recordTransition(compCtx, txn, calledBy)
	}

	classified := classifyScopeError(scopeErr)
	s.logger.Warn("transaction failed",
		zap.String("operation", op),
		zap.String("transaction_id", txn.ID),
		zap.String("kind", string(classified.Kind)),
		zap.Error(scopeErr),
	)
	s.metrics.RecordOperation(op, "failed", time.Since(start))
	return classified
}

func classifyScopeError(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return &Error{Kind: KindPolicy, Message: "Insufficient funds", Err: err}
	case errors.Is(err, store.ErrNotFound):
		return notFoundError("User not found", err)
	case errors.Is(err, store.ErrBalanceOverflow):
		return &Error{Kind: KindPolicy, Message: "Amount exceeds the maximum account balance", Err: err}
	case errors.Is(err, store.ErrLockTimeout):
		return &Error{Kind: KindConflict, Message: "Account is busy, retry the transaction", Err: err}
	case errors.Is(err, store.ErrStaleState):
		return &Error{Kind: KindConflict, Message: "Transaction was modified concurrently", Err: err}
	default:
		return internalError("Failed to process transaction", err)
	}
}

func (s *LedgerService) rejected(op string, start time.Time, err error) error {
	s.metrics.RecordOperation(op, "rejected", time.Since(start))
	return err
}

func (s *LedgerService) completed(op string, start time.Time, txn *models.Transaction) {
	s.metrics.RecordOperation(op, "completed", time.Since(start))
	s.logger.Info("transaction completed",
		zap.String("operation", op),
		zap.String("transaction_id", txn.ID),
		zap.String("type", string(txn.Type)),
		zap.String("sender_id", txn.SenderOrEmpty()),
		zap.String("receiver_id", txn.ReceiverID),
		zap.Int64("amount", txn.Amount),
	)
}

// recordTransition appends a lifecycle entry to the audit trail. A failure
// here never unwinds the ledger write; it is logged instead.
func (s *LedgerService) recordTransition(ctx context.Context, txn *models.Transaction, calledBy string) {
	message := fmt.Sprintf("[Transaction] New %s Transaction, ID: %s, From Sender ID: %s to Receiver ID: %s, Amount: %d, Status: %s, Type: %s, CalledBy: %s",
		txn.Type, txn.ID, senderLabel(txn), txn.ReceiverID, txn.Amount, txn.Status, txn.Type, calledBy)

	event := models.AuditEvent{
		SubjectID:     txn.SenderOrEmpty(),
		Category:      models.CategoryTransaction,
		Message:       message,
		TransactionID: txn.ID,
		Status:        txn.Status,
		Timestamp:     s.now(),
	}
	if event.SubjectID == "" {
		event.SubjectID = txn.ReceiverID
	}

	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Error("failed to record transaction log",
			zap.String("transaction_id", txn.ID),
			zap.String("status", string(txn.Status)),
			zap.Error(err),
		)
	}
}

func senderLabel(txn *models.Transaction) string {
	if txn.SenderID == nil {
		return "external"
	}
	return *txn.SenderID
}
