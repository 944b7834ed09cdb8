package audit

import (
	"context"
	"encoding/json"

	"github.com/ruralpay/ledger/internal/logging"
	"github.com/ruralpay/ledger/internal/models"
	"go.uber.org/zap"
)

// LogSink writes each event as a JSON audit line on the operational log
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Record(ctx context.Context, event models.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.logger.Info("AUDIT",
		zap.String("event_id", event.ID),
		zap.String("category", event.Category),
		zap.ByteString("event", data),
	)
	return nil
}
