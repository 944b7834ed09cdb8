package audit

import (
	"context"
	"sync"

	"github.com/ruralpay/ledger/internal/models"
)

// MemorySink keeps events in process, deduplicated by ID
type MemorySink struct {
	mu     sync.RWMutex
	events []models.AuditEvent
	seen   map[string]bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]bool)}
}

func (s *MemorySink) Record(ctx context.Context, event models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID != "" {
		if s.seen[event.ID] {
			return nil
		}
		s.seen[event.ID] = true
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything recorded so far
func (s *MemorySink) Events() []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AuditEvent(nil), s.events...)
}

// AuditRecords returns the non-lifecycle events
func (s *MemorySink) AuditRecords() []models.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := []models.AuditRecord{}
	for _, e := range s.events {
		if !e.IsTransactionLog() {
			records = append(records, e.AuditRecord())
		}
	}
	return records
}

// ListAuditRecords returns the non-lifecycle events recorded for subjectID
func (s *MemorySink) ListAuditRecords(ctx context.Context, subjectID string) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := []models.AuditRecord{}
	for _, e := range s.events {
		if !e.IsTransactionLog() && e.SubjectID == subjectID {
			records = append(records, e.AuditRecord())
		}
	}
	return records, nil
}

func (s *MemorySink) ListTransactionLogs(ctx context.Context) ([]models.TransactionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := []models.TransactionLogEntry{}
	for _, e := range s.events {
		if e.IsTransactionLog() {
			entries = append(entries, e.TransactionLogEntry())
		}
	}
	return entries, nil
}
