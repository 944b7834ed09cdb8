// Package audit delivers compliance rejections and transaction lifecycle
// events to append-only sinks, off the ledger's critical path.
package audit

import (
	"context"
	"errors"

	"github.com/ruralpay/ledger/internal/models"
)

// Sink appends a single event. Delivery is at-least-once, so Record may see
// an ID again after a partial MultiSink failure. The SQL, Redis and memory
// sinks drop a redelivered ID; LogSink and KafkaSink may duplicate it, and
// Kafka consumers dedupe on the event_id header.
type Sink interface {
	Record(ctx context.Context, event models.AuditEvent) error
}

// MultiSink delivers to every sink and joins their errors
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event models.AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
