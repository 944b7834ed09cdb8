package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/ruralpay/ledger/internal/models"
)

const transactionColumns = `id, sender_id, receiver_id, amount, status, type, reversal_of, created_at, updated_at`

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	pgQueries
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore wraps db. A positive lockTimeout bounds how long a scope
// waits on a row lock.
func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		pgQueries:   pgQueries{q: db},
		db:          db,
		lockTimeout: lockTimeout,
	}
}

func (s *PostgresStore) WithAtomicScope(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin atomic scope: %w", err)
	}
	defer sqlTx.Rollback()

	if s.lockTimeout > 0 {
		// SET does not take bind parameters
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(&pgTx{pgQueries: pgQueries{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit atomic scope: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutAccount(ctx context.Context, account *models.Account) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, kyc_status, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
		ON CONFLICT (id) DO UPDATE
		SET balance = EXCLUDED.balance, kyc_status = EXCLUDED.kyc_status,
			version = accounts.version + 1, updated_at = EXCLUDED.updated_at`,
		account.ID, account.Balance, string(account.KYCStatus), now)
	if err != nil {
		return fmt.Errorf("put account %s: %w", account.ID, err)
	}
	return nil
}

type pgQueries struct {
	q querier
}

func (p pgQueries) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT id, balance, kyc_status, version, created_at, updated_at
		FROM accounts
		WHERE id = $1`, id)
	return scanAccount(row, id)
}

func (p pgQueries) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row, id)
}

func (p pgQueries) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		where = append(where, fmt.Sprintf("(sender_id = $%d OR receiver_id = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows, "")
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return transactions, nil
}

func (p pgQueries) CountTransactionsSince(ctx context.Context, senderID string, since time.Time) (int, error) {
	var count int
	err := p.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE sender_id = $1 AND created_at >= $2`, senderID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions for %s: %w", senderID, err)
	}
	return count, nil
}

func (p pgQueries) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txn.ID, nullable(txn.SenderID), txn.ReceiverID, txn.Amount,
		string(txn.Status), string(txn.Type), nullable(txn.ReversalOf),
		txn.CreatedAt, txn.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("transaction %s: %w", txn.ID, ErrDuplicate)
		}
		return fmt.Errorf("create transaction %s: %w", txn.ID, err)
	}
	return nil
}

func (p pgQueries) UpdateTransactionStatus(ctx context.Context, id string, from, to models.TransactionStatus, at time.Time) error {
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}

	result, err := p.q.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from))
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transaction %s is not %s: %w", id, from, ErrStaleState)
	}
	return nil
}

type pgTx struct {
	pgQueries
	tx             *sql.Tx
	accountsLocked bool
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if t.accountsLocked {
		return nil, ErrLockOrder
	}
	row := t.tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	txn, err := scanTransaction(row, id)
	if err != nil {
		return nil, lockError(err)
	}
	return txn, nil
}

// LockAccounts locks rows in consistent order to prevent deadlocks between
// transfers running in opposite directions.
func (t *pgTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*models.Account, error) {
	if t.accountsLocked {
		return nil, ErrLockOrder
	}
	t.accountsLocked = true

	locked := make(map[string]*models.Account, len(ids))
	for _, id := range lockOrder(ids) {
		row := t.tx.QueryRowContext(ctx, `
			SELECT id, balance, kyc_status, version, created_at, updated_at
			FROM accounts
			WHERE id = $1
			FOR UPDATE`, id)
		account, err := scanAccount(row, id)
		if err != nil {
			return nil, lockError(err)
		}
		locked[id] = account
	}
	return locked, nil
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, id string, delta int64) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND balance + $1 >= 0`,
		delta, time.Now(), id)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "22003" {
		return fmt.Errorf("account %s: %w: %w", id, ErrBalanceOverflow, err)
	}
	if err != nil {
		return fmt.Errorf("update balance for account %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account %s: %w", id, ErrInsufficientFunds)
	}
	return nil
}

// lockError marks lock_timeout expiry (55P03 lock_not_available)
func lockError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner, id string) (*models.Account, error) {
	var (
		account models.Account
		kyc     string
	)
	err := row.Scan(&account.ID, &account.Balance, &kyc, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan account %s: %w", id, err)
	}
	account.KYCStatus = models.KYCStatus(kyc)
	return &account, nil
}

func scanTransaction(row rowScanner, id string) (*models.Transaction, error) {
	var (
		txn        models.Transaction
		senderID   sql.NullString
		reversalOf sql.NullString
		status     string
		txnType    string
	)
	err := row.Scan(&txn.ID, &senderID, &txn.ReceiverID, &txn.Amount, &status, &txnType,
		&reversalOf, &txn.CreatedAt, &txn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	if txn.Status, err = models.ParseTransactionStatus(status); err != nil {
		return nil, err
	}
	txn.Type = models.TransactionType(txnType)
	if senderID.Valid {
		txn.SenderID = &senderID.String
	}
	if reversalOf.Valid {
		txn.ReversalOf = &reversalOf.String
	}
	return &txn, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
