package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ruralpay/ledger/internal/models"
)

// MemoryStore keeps the ledger in process. Row locks are per-account and
// per-transaction channels so waits honor context deadlines; writes made in
// a scope are buffered and applied together on commit.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*models.Account
	transactions map[string]*models.Transaction
	order        []string

	rowMu       sync.Mutex
	rows        map[string]chan struct{}
	lockTimeout time.Duration
}

// NewMemoryStore creates an empty store. A positive lockTimeout bounds
// row-lock waits.
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*models.Account),
		transactions: make(map[string]*models.Transaction),
		rows:         make(map[string]chan struct{}),
		lockTimeout:  lockTimeout,
	}
}

func (s *MemoryStore) row(key string) chan struct{} {
	s.rowMu.Lock()
	defer s.rowMu.Unlock()

	ch, ok := s.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rows[key] = ch
	}
	return ch
}

func (s *MemoryStore) acquire(ctx context.Context, key string) (chan struct{}, error) {
	ch := s.row(key)
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}

	select {
	case ch <- struct{}{}:
		return ch, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock %s: %w: %w", key, ErrLockTimeout, ctx.Err())
	}
}

func (s *MemoryStore) PutAccount(ctx context.Context, account *models.Account) error {
	lock, err := s.acquire(ctx, "account:"+account.ID)
	if err != nil {
		return err
	}
	defer func() { <-lock }()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	a := *account
	if existing, ok := s.accounts[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
		a.Version = existing.Version + 1
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.accounts[a.ID] = &a
	return nil
}

// PutTransaction inserts or replaces a transaction as-is, bypassing the
// state machine. Used for seeding and imports.
func (s *MemoryStore) PutTransaction(txn *models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[txn.ID]; !ok {
		s.order = append(s.order, txn.ID)
	}
	s.transactions[txn.ID] = txn.Clone()
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return txn.Clone(), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transactions := []models.Transaction{}
	for _, id := range s.order {
		txn := s.transactions[id]
		if filter.AccountID != "" && !txn.Involves(filter.AccountID) {
			continue
		}
		if filter.Status != "" && txn.Status != filter.Status {
			continue
		}
		transactions = append(transactions, *txn.Clone())
	}

	sort.SliceStable(transactions, func(i, j int) bool {
		return transactions[i].CreatedAt.After(transactions[j].CreatedAt)
	})
	if filter.Limit > 0 && len(transactions) > filter.Limit {
		transactions = transactions[:filter.Limit]
	}
	return transactions, nil
}

func (s *MemoryStore) CountTransactionsSince(ctx context.Context, senderID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, txn := range s.transactions {
		if txn.SenderID != nil && *txn.SenderID == senderID && !txn.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(txn)
}

func (s *MemoryStore) insertLocked(txn *models.Transaction) error {
	if _, ok := s.transactions[txn.ID]; ok {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrDuplicate)
	}
	s.transactions[txn.ID] = txn.Clone()
	s.order = append(s.order, txn.ID)
	return nil
}

func (s *MemoryStore) UpdateTransactionStatus(ctx context.Context, id string, from, to models.TransactionStatus, at time.Time) error {
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyStatusLocked(statusUpdate{id: id, from: from, to: to, at: at})
}

func (s *MemoryStore) applyStatusLocked(u statusUpdate) error {
	txn, ok := s.transactions[u.id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", u.id, ErrNotFound)
	}
	if txn.Status != u.from {
		return fmt.Errorf("transaction %s is not %s: %w", u.id, u.from, ErrStaleState)
	}
	txn.Status = u.to
	txn.UpdatedAt = u.at
	return nil
}

func (s *MemoryStore) WithAtomicScope(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{
		store:    s,
		accounts: make(map[string]*models.Account),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type statusUpdate struct {
	id       string
	from, to models.TransactionStatus
	at       time.Time
}

type memoryTx struct {
	store          *MemoryStore
	held           []chan struct{}
	accounts       map[string]*models.Account
	dirty          map[string]bool
	accountsLocked bool
	created        []*models.Transaction
	updates        []statusUpdate
}

func (t *memoryTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		<-t.held[i]
	}
	t.held = nil
}

func (t *memoryTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, txn := range t.created {
		if _, ok := s.transactions[txn.ID]; ok {
			return fmt.Errorf("transaction %s: %w", txn.ID, ErrDuplicate)
		}
	}
	// validate every status edge against the committed state before writing
	// anything, so a stale update aborts the whole scope
	current := make(map[string]models.TransactionStatus)
	for _, txn := range t.created {
		current[txn.ID] = txn.Status
	}
	for _, u := range t.updates {
		status, ok := current[u.id]
		if !ok {
			stored, exists := s.transactions[u.id]
			if !exists {
				return fmt.Errorf("transaction %s: %w", u.id, ErrNotFound)
			}
			status = stored.Status
		}
		if status != u.from {
			return fmt.Errorf("transaction %s is not %s: %w", u.id, u.from, ErrStaleState)
		}
		current[u.id] = u.to
	}

	for _, txn := range t.created {
		if err := s.insertLocked(txn); err != nil {
			return err
		}
	}
	for _, u := range t.updates {
		if err := s.applyStatusLocked(u); err != nil {
			return err
		}
	}
	now := time.Now()
	for id := range t.dirty {
		a := *t.accounts[id]
		a.UpdatedAt = now
		s.accounts[id] = &a
	}
	return nil
}

func (t *memoryTx) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	if a, ok := t.accounts[id]; ok {
		c := *a
		return &c, nil
	}
	return t.store.GetAccount(ctx, id)
}

func (t *memoryTx) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var txn *models.Transaction
	for _, c := range t.created {
		if c.ID == id {
			txn = c.Clone()
		}
	}
	if txn == nil {
		var err error
		if txn, err = t.store.GetTransaction(ctx, id); err != nil {
			return nil, err
		}
	}
	for _, u := range t.updates {
		if u.id == id {
			txn.Status = u.to
			txn.UpdatedAt = u.at
		}
	}
	return txn, nil
}

func (t *memoryTx) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	return t.store.ListTransactions(ctx, filter)
}

func (t *memoryTx) CountTransactionsSince(ctx context.Context, senderID string, since time.Time) (int, error) {
	return t.store.CountTransactionsSince(ctx, senderID, since)
}

func (t *memoryTx) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if _, err := t.store.GetTransaction(ctx, txn.ID); err == nil {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrDuplicate)
	}
	t.created = append(t.created, txn.Clone())
	return nil
}

func (t *memoryTx) UpdateTransactionStatus(ctx context.Context, id string, from, to models.TransactionStatus, at time.Time) error {
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}
	txn, err := t.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if txn.Status != from {
		return fmt.Errorf("transaction %s is not %s: %w", id, from, ErrStaleState)
	}
	t.updates = append(t.updates, statusUpdate{id: id, from: from, to: to, at: at})
	return nil
}

func (t *memoryTx) LockTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if t.accountsLocked {
		return nil, ErrLockOrder
	}
	lock, err := t.store.acquire(ctx, "txn:"+id)
	if err != nil {
		return nil, err
	}
	t.held = append(t.held, lock)
	return t.GetTransaction(ctx, id)
}

func (t *memoryTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*models.Account, error) {
	if t.accountsLocked {
		return nil, ErrLockOrder
	}
	t.accountsLocked = true

	locked := make(map[string]*models.Account, len(ids))
	for _, id := range lockOrder(ids) {
		lock, err := t.store.acquire(ctx, "account:"+id)
		if err != nil {
			return nil, err
		}
		t.held = append(t.held, lock)

		account, err := t.store.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		t.accounts[id] = account
		c := *account
		locked[id] = &c
	}
	return locked, nil
}

func (t *memoryTx) UpdateAccountBalance(ctx context.Context, id string, delta int64) error {
	account, ok := t.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotLocked)
	}
	if delta > 0 && account.Balance > math.MaxInt64-delta {
		return fmt.Errorf("account %s: %w", id, ErrBalanceOverflow)
	}
	if account.Balance+delta < 0 {
		return fmt.Errorf("account %s: %w", id, ErrInsufficientFunds)
	}
	account.Balance += delta
	account.Version++
	if t.dirty == nil {
		t.dirty = make(map[string]bool)
	}
	t.dirty[id] = true
	return nil
}
