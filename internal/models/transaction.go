package models

import (
	"errors"
	"fmt"
	"time"
)

// TransactionStatus is the lifecycle state of a ledger transaction
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusReversed  TransactionStatus = "REVERSED"
)

// TransactionType classifies how funds moved
type TransactionType string

const (
	TypeTransfer      TransactionType = "TRANSFER"
	TypeReversal      TransactionType = "REVERSAL"
	TypeNonRefundable TransactionType = "NON_REFUNDABLE"
)

var (
	ErrInvalidStatus     = errors.New("invalid transaction status")
	ErrIllegalTransition = errors.New("illegal transaction status transition")
)

// transitions lists every legal edge of the status state machine.
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusReversed},
	StatusFailed:    nil,
	StatusReversed:  nil,
}

// ParseTransactionStatus validates a raw status string
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	status := TransactionStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// IsValid reports whether the status is part of the lifecycle
func (s TransactionStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s
func (s TransactionStatus) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// CanTransitionTo reports whether s -> next is a legal edge
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s TransactionStatus) String() string {
	return string(s)
}

// ValidateTransition returns ErrIllegalTransition unless from -> to is legal
func ValidateTransition(from, to TransactionStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrInvalidStatus, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrInvalidStatus, to)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsValid reports whether the type is known
func (t TransactionType) IsValid() bool {
	switch t {
	case TypeTransfer, TypeReversal, TypeNonRefundable:
		return true
	default:
		return false
	}
}

// Transaction is a single movement of funds between two accounts.
// SenderID is nil only for external fund injections.
type Transaction struct {
	ID         string            `json:"id" db:"id"`
	SenderID   *string           `json:"sender_id" db:"sender_id"`
	ReceiverID string            `json:"receiver_id" db:"receiver_id"`
	Amount     int64             `json:"amount" db:"amount"` // in cents
	Status     TransactionStatus `json:"status" db:"status"`
	Type       TransactionType   `json:"type" db:"type"`
	ReversalOf *string           `json:"reversal_of,omitempty" db:"reversal_of"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// SenderOrEmpty returns the sender id, or "" for fund injections
func (t *Transaction) SenderOrEmpty() string {
	if t.SenderID == nil {
		return ""
	}
	return *t.SenderID
}

// Involves reports whether accountID is the sender or the receiver
func (t *Transaction) Involves(accountID string) bool {
	return t.ReceiverID == accountID || (t.SenderID != nil && *t.SenderID == accountID)
}

// Clone returns a deep copy safe to hand across goroutines
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.SenderID != nil {
		s := *t.SenderID
		c.SenderID = &s
	}
	if t.ReversalOf != nil {
		r := *t.ReversalOf
		c.ReversalOf = &r
	}
	return &c
}

// TransactionFilter narrows ListTransactions. Zero value lists everything.
type TransactionFilter struct {
	AccountID string // matches sender or receiver
	Status    TransactionStatus
	Limit     int
}
