package models

import "time"

// Audit categories
const (
	CategoryKYC               = "KYC_Alert"
	CategoryAML               = "AML_ALERT"
	CategorySelfTransfer      = "SELF_TRANSFER"
	CategoryInsufficientFunds = "INSUFFICIENT_FUNDS"
	CategoryNotFound          = "NOT_FOUND"
	CategoryTransaction       = "TRANSACTION"
)

// TransactionLogEntry is an append-only snapshot of a transaction status
type TransactionLogEntry struct {
	ID            string            `json:"id" db:"id"`
	TransactionID string            `json:"transaction_id" db:"transaction_id"`
	Status        TransactionStatus `json:"status" db:"status"`
	Message       string            `json:"message" db:"message"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// AuditRecord is an append-only compliance or operational action
type AuditRecord struct {
	ID        string    `json:"id" db:"id"`
	SubjectID string    `json:"subject_id" db:"subject_id"`
	Category  string    `json:"category" db:"category"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AuditEvent is what the ledger hands to an audit sink. Events carrying a
// TransactionID are lifecycle entries, the rest are audit records.
type AuditEvent struct {
	ID            string            `json:"id"`
	SubjectID     string            `json:"subject_id"`
	Category      string            `json:"category"`
	Message       string            `json:"message"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Status        TransactionStatus `json:"status,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// IsTransactionLog reports whether the event records a status transition
func (e AuditEvent) IsTransactionLog() bool {
	return e.TransactionID != ""
}

func (e AuditEvent) TransactionLogEntry() TransactionLogEntry {
	return TransactionLogEntry{
		ID:            e.ID,
		TransactionID: e.TransactionID,
		Status:        e.Status,
		Message:       e.Message,
		CreatedAt:     e.Timestamp,
	}
}

func (e AuditEvent) AuditRecord() AuditRecord {
	return AuditRecord{
		ID:        e.ID,
		SubjectID: e.SubjectID,
		Category:  e.Category,
		Message:   e.Message,
		CreatedAt: e.Timestamp,
	}
}
