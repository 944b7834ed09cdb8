// Package store persists accounts and transactions behind an atomic-scope
// primitive. Implementations lock every account row they mutate and expect
// callers to lock transactions before accounts.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ruralpay/ledger/internal/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("record already exists")
	ErrStaleState        = errors.New("transaction status changed concurrently")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrNotLocked         = errors.New("account not locked in this scope")
	ErrLockOrder         = errors.New("rows locked out of order")
	ErrLockTimeout       = errors.New("timed out waiting for row lock")
	ErrBalanceOverflow   = errors.New("balance out of range")
)

// Queries is available both inside and outside an atomic scope.
type Queries interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error)
	CountTransactionsSince(ctx context.Context, senderID string, since time.Time) (int, error)
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	// UpdateTransactionStatus moves id from -> to. It fails with
	// models.ErrIllegalTransition for edges outside the state machine and
	// ErrStaleState when the stored status is no longer from.
	UpdateTransactionStatus(ctx context.Context, id string, from, to models.TransactionStatus, at time.Time) error
}

// Tx is the handle passed to an atomic scope.
type Tx interface {
	Queries
	// LockTransaction takes an exclusive lock on a transaction row. It must
	// be called before LockAccounts.
	LockTransaction(ctx context.Context, id string) (*models.Transaction, error)
	// LockAccounts takes exclusive locks on every id in ascending order and
	// may be called once per scope.
	LockAccounts(ctx context.Context, ids ...string) (map[string]*models.Account, error)
	// UpdateAccountBalance applies delta to a locked account. A result below
	// zero fails with ErrInsufficientFunds.
	UpdateAccountBalance(ctx context.Context, id string, delta int64) error
}

// Store is the persistent ledger.
type Store interface {
	Queries
	// WithAtomicScope runs fn in a unit of work that commits entirely when fn
	// returns nil and not at all otherwise.
	WithAtomicScope(ctx context.Context, fn func(tx Tx) error) error
	PutAccount(ctx context.Context, account *models.Account) error
}

// lockOrder returns ids deduplicated in ascending order
func lockOrder(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	ordered := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	return ordered
}
