package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/logging"
	"github.com/ruralpay/ledger/internal/metrics"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferRequest is a transfer awaiting compliance approval
type TransferRequest struct {
	SenderID   string
	ReceiverID string
	Amount     int64
}

// ComplianceCheck is what each rule inspects. Receiver is nil when the
// receiving account does not exist.
type ComplianceCheck struct {
	Request  TransferRequest
	Sender   *models.Account
	Receiver *models.Account
}

// Rejection is a failed rule: the audit category and the error returned
type Rejection struct {
	Category string
	Err      *Error
}

// ComplianceRule is a single check. Returning a nil Rejection and nil error
// passes the rule.
type ComplianceRule interface {
	Name() string
	Check(ctx context.Context, c *ComplianceCheck) (*Rejection, error)
}

// AuditRecorder appends events to the audit trail
type AuditRecorder interface {
	Record(ctx context.Context, event models.AuditEvent) error
}

// ComplianceRuleSet evaluates rules in order and stops at the first
// rejection.
type ComplianceRuleSet struct {
	accounts store.Queries
	rules    []ComplianceRule
	audit    AuditRecorder
	metrics  metrics.Collector
	logger   *logging.Logger
	now      func() time.Time
}

// NewComplianceRuleSet builds the standard KYC/AML rule chain
func NewComplianceRuleSet(q store.Queries, cfg *config.LedgerConfig, audit AuditRecorder, collector metrics.Collector, logger *logging.Logger) *ComplianceRuleSet {
	rs := &ComplianceRuleSet{
		accounts: q,
		audit:    audit,
		metrics:  collector,
		logger:   logger.Named("compliance"),
		now:      time.Now,
	}
	rs.rules = []ComplianceRule{
		senderKYCRule{},
		selfTransferRule{},
		balanceRule{},
		receiverExistsRule{},
		receiverKYCRule{},
		maxAmountRule{limit: cfg.MaxSingleTransfer},
		velocityRule{
			counter:  q,
			window:   cfg.VelocityWindow,
			maxCount: cfg.VelocityMaxCount,
			now:      func() time.Time { return rs.now() },
		},
	}
	return rs
}

// Rules returns the rule chain in evaluation order
func (rs *ComplianceRuleSet) Rules() []ComplianceRule {
	return rs.rules
}

// Evaluate runs every rule against req. A rejection is recorded to the audit
// trail before its error is returned.
func (rs *ComplianceRuleSet) Evaluate(ctx context.Context, req TransferRequest) error {
	check, err := rs.load(ctx, req)
	if err != nil {
		return err
	}

	for _, rule := range rs.rules {
		rejection, err := rule.Check(ctx, check)
		if err != nil {
			return internalError("Failed to evaluate compliance rules", fmt.Errorf("%s: %w", rule.Name(), err))
		}
		if rejection == nil {
			continue
		}

		rs.reject(ctx, req, rule, rejection)
		return rejection.Err
	}
	return nil
}

func (rs *ComplianceRuleSet) load(ctx context.Context, req TransferRequest) (*ComplianceCheck, error) {
	sender, err := rs.accounts.GetAccount(ctx, req.SenderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("User not found", err)
	}
	if err != nil {
		return nil, internalError("Failed to load sender", err)
	}

	receiver, err := rs.accounts.GetAccount(ctx, req.ReceiverID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, internalError("Failed to load receiver", err)
	}

	return &ComplianceCheck{Request: req, Sender: sender, Receiver: receiver}, nil
}

func (rs *ComplianceRuleSet) reject(ctx context.Context, req TransferRequest, rule ComplianceRule, rejection *Rejection) {
	rs.metrics.RecordComplianceRejection(rejection.Category)
	rs.logger.Warn("transfer rejected",
		zap.String("rule", rule.Name()),
		zap.String("category", rejection.Category),
		zap.String("sender_id", req.SenderID),
		zap.String("receiver_id", req.ReceiverID),
		zap.Int64("amount", req.Amount),
		zap.String("reason", rejection.Err.Message),
	)

	event := models.AuditEvent{
		SubjectID: req.SenderID,
		Category:  rejection.Category,
		Message:   rejection.Err.Message,
		Timestamp: rs.now(),
	}
	if err := rs.audit.Record(ctx, event); err != nil {
		rs.logger.Error("failed to record compliance rejection",
			zap.String("sender_id", req.SenderID),
			zap.String("category", rejection.Category),
			zap.Error(err),
		)
	}
}

type senderKYCRule struct{}

func (senderKYCRule) Name() string { return "sender_kyc" }

func (senderKYCRule) Check(ctx context.Context, c *ComplianceCheck) (*Rejection, error) {
	if c.Sender.IsVerified() {
		return nil, nil
	}
	return &Rejection{Category: models.CategoryKYC, Err: policyError("User is not Verified.")}, nil
}

type selfTransferRule struct{}

func (selfTransferRule) Name() string { return "self_transfer" }

func (selfTransferRule) Check(ctx context.Context, c *ComplianceCheck) (*Rejection, error) {
	if c.Request.SenderID != c.Request.ReceiverID {
		return nil, nil
	}
	return &Rejection{
		Category: models.CategorySelfTransfer,
		Err:      conflictError("User cannot send money to themselves"),
	}, nil
}

type balanceRule struct{}

func (balanceRule) Name() string { return "sufficient_balance" }

func (balanceRule) Check(ctx context.Context, c *ComplianceCheck) (*Rejection, error) {
	if c.Sender.Balance >= c.Request.Amount {
		return nil, nil
	}
	return &Rejection{Category: models.CategoryInsufficientFunds, Err: policyError("Insufficient funds")}, nil
}

type receiverExistsRule struct{}

func (receiverExistsRule) Name() string { return "receiver_exists" }

func (receiverExistsRule) Check(ctx context.Context, c *ComplianceCheck) (*Rejection, error) {
	if c.Receiver != nil {
		return nil, nil
	}
	return &Rejection{Category: models.CategoryNotFound, Err: notFoundError("User not found", nil)}, nil
}

type receiverKYCRule struct{}

func (receiverKYCRule) Name() string { return "receiver_kyc" }

func (receiverKYCRule) Check(ctx context.Context, c *ComplianceCheck) (*Rejection, error) {
	if c.Receiver.IsVerified() {
		return nil, nil
	}
	return &Rejection{Category: models.CategoryKYC, Err: policyError("Receiver is not Verified")}, nil
}

type maxAmountRule struct {
	limit int64
}

func (maxAmountRule) Name() string { return "aml_max_amount" }

func (r maxAmountRule) Check(ctx context.Context, c *ComplianceCheck) (*Rejection, error) {
	if c.Request.Amount <= r.limit {
		return nil, nil
	}
	return &Rejection{
		Category: models.CategoryAML,
		Err: policyError(fmt.Sprintf("Transaction amount %s exceeds the limit of %s",
			formatMinor(c.Request.Amount), formatMinor(r.limit))),
	}, nil
}

type velocityRule struct {
	counter interface {
		CountTransactionsSince(ctx context.Context, senderID string, since time.Time) (int, error)
	}
	window   time.Duration
	maxCount int
	now      func() time.Time
}

func (velocityRule) Name() string { return "aml_velocity" }

func (r velocityRule) Check(ctx context.Context, c *ComplianceCheck) (*Rejection, error) {
	count, err := r.counter.CountTransactionsSince(ctx, c.Request.SenderID, r.now().Add(-r.window))
	if err != nil {
		return nil, err
	}
	if count <= r.maxCount {
		return nil, nil
	}
	return &Rejection{
		Category: models.CategoryAML,
		Err:      policyError("Too many transactions in a short period"),
	}, nil
}

// formatMinor renders cents as a major-unit amount, e.g. 2000000 -> "20000.00"
func formatMinor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}
