package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ruralpay/ledger/internal/models"
)

// SQLSink appends lifecycle events to transaction_logs and everything else
// to audit_logs. Redelivered events are ignored by primary key.
type SQLSink struct {
	db *sql.DB
}

func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) Record(ctx context.Context, event models.AuditEvent) error {
	if event.IsTransactionLog() {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transaction_logs (id, transaction_id, status, message, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			event.ID, event.TransactionID, string(event.Status), event.Message, event.Timestamp)
		if err != nil {
			return fmt.Errorf("insert transaction log %s: %w", event.ID, err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, subject_id, category, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, event.SubjectID, event.Category, event.Message, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit log %s: %w", event.ID, err)
	}
	return nil
}

func (s *SQLSink) ListTransactionLogs(ctx context.Context) ([]models.TransactionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, status, message, created_at
		FROM transaction_logs
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list transaction logs: %w", err)
	}
	defer rows.Close()

	entries := []models.TransactionLogEntry{}
	for rows.Next() {
		var (
			entry  models.TransactionLogEntry
			status string
		)
		if err := rows.Scan(&entry.ID, &entry.TransactionID, &status, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction log: %w", err)
		}
		entry.Status = models.TransactionStatus(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLSink) ListAuditRecords(ctx context.Context, subjectID string) ([]models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, category, message, created_at
		FROM audit_logs
		WHERE subject_id = $1
		ORDER BY created_at`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs for %s: %w", subjectID, err)
	}
	defer rows.Close()

	records := []models.AuditRecord{}
	for rows.Next() {
		var record models.AuditRecord
		if err := rows.Scan(&record.ID, &record.SubjectID, &record.Category, &record.Message, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
