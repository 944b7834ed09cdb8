package audit

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/ruralpay/ledger/internal/logging"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rejectionEvent(now time.Time) models.AuditEvent {
	return models.AuditEvent{
		ID:        "evt-1",
		SubjectID: "acc-a",
		Category:  models.CategoryAML,
		Message:   "Transaction amount 25000.00 exceeds the limit of 20000.00",
		Timestamp: now,
	}
}

func lifecycleEvent(now time.Time) models.AuditEvent {
	return models.AuditEvent{
		ID:            "evt-2",
		SubjectID:     "acc-a",
		Category:      models.CategoryTransaction,
		Message:       "[Transaction] New TRANSFER Transaction, ID: tx1, CalledBy: acc-a",
		TransactionID: "tx1",
		Status:        models.StatusCompleted,
		Timestamp:     now,
	}
}

func TestSQLSink_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewSQLSink(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("audit records go to audit_logs", func(t *testing.T) {
		e := rejectionEvent(now)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
			WithArgs(e.ID, e.SubjectID, e.Category, e.Message, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, sink.Record(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lifecycle events go to transaction_logs", func(t *testing.T) {
		e := lifecycleEvent(now)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transaction_logs")).
			WithArgs(e.ID, "tx1", "COMPLETED", e.Message, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, sink.Record(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		e := rejectionEvent(now)
		mock.ExpectExec("ON CONFLICT \\(id\\) DO NOTHING").
			WithArgs(e.ID, e.SubjectID, e.Category, e.Message, now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.NoError(t, sink.Record(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps database errors", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_logs")).
			WillReturnError(errors.New("connection reset"))

		err := sink.Record(ctx, rejectionEvent(now))
		assert.ErrorContains(t, err, "insert audit log evt-1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLSink_Queries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewSQLSink(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("ListTransactionLogs", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM transaction_logs")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_id", "status", "message", "created_at"}).
				AddRow("evt-2", "tx1", "PENDING", "created", now).
				AddRow("evt-3", "tx1", "COMPLETED", "completed", now))

		entries, err := sink.ListTransactionLogs(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, models.StatusCompleted, entries[1].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ListAuditRecords", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM audit_logs")).
			WithArgs("acc-a").
			WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "category", "message", "created_at"}).
				AddRow("evt-1", "acc-a", "KYC_Alert", "User is not Verified.", now))

		records, err := sink.ListAuditRecords(ctx, "acc-a")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, models.CategoryKYC, records[0].Category)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRedisSink_Record(t *testing.T) {
	client, mock := redismock.NewClientMock()
	sink := NewRedisSink(client, "ledger:audit")
	ctx := context.Background()
	e := rejectionEvent(time.Now())

	data, err := json.Marshal(e)
	require.NoError(t, err)

	t.Run("pushes the event as json", func(t *testing.T) {
		mock.ExpectSetNX("ledger:audit:seen:evt-1", 1, seenTTL).SetVal(true)
		mock.ExpectRPush("ledger:audit", string(data)).SetVal(1)

		assert.NoError(t, sink.Record(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips a redelivered event", func(t *testing.T) {
		mock.ExpectSetNX("ledger:audit:seen:evt-1", 1, seenTTL).SetVal(false)

		assert.NoError(t, sink.Record(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("releases the guard when the push fails", func(t *testing.T) {
		mock.ExpectSetNX("ledger:audit:seen:evt-1", 1, seenTTL).SetVal(true)
		mock.ExpectRPush("ledger:audit", string(data)).SetErr(errors.New("READONLY"))
		mock.ExpectDel("ledger:audit:seen:evt-1").SetVal(1)

		err := sink.Record(ctx, e)
		assert.ErrorContains(t, err, "push audit event evt-1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns guard errors", func(t *testing.T) {
		mock.ExpectSetNX("ledger:audit:seen:evt-1", 1, seenTTL).SetErr(errors.New("LOADING"))

		err := sink.Record(ctx, e)
		assert.ErrorContains(t, err, "guard audit event evt-1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_Record(t *testing.T) {
	ctx := context.Background()
	e := lifecycleEvent(time.Now())

	t.Run("keys messages by subject", func(t *testing.T) {
		w := &fakeWriter{}
		sink := &KafkaSink{writer: w}

		require.NoError(t, sink.Record(ctx, e))
		require.Len(t, w.messages, 1)

		msg := w.messages[0]
		assert.Equal(t, "acc-a", string(msg.Key))
		assert.Contains(t, msg.Headers, kafka.Header{Key: "event_id", Value: []byte("evt-2")})

		var decoded models.AuditEvent
		require.NoError(t, json.Unmarshal(msg.Value, &decoded))
		assert.Equal(t, "tx1", decoded.TransactionID)

		require.NoError(t, sink.Close())
		assert.True(t, w.closed)
	})

	t.Run("returns publish errors", func(t *testing.T) {
		sink := &KafkaSink{writer: &fakeWriter{err: errors.New("leader not available")}}
		assert.ErrorContains(t, sink.Record(ctx, e), "publish audit event evt-2")
	})
}

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	sink := NewMemorySink()

	require.NoError(t, sink.Record(ctx, rejectionEvent(now)))
	require.NoError(t, sink.Record(ctx, rejectionEvent(now)))
	require.NoError(t, sink.Record(ctx, lifecycleEvent(now)))

	assert.Len(t, sink.Events(), 2)
	assert.Len(t, sink.AuditRecords(), 1)

	logs, err := sink.ListTransactionLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "tx1", logs[0].TransactionID)

	records, err := sink.ListAuditRecords(ctx, "acc-a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.CategoryAML, records[0].Category)

	records, err = sink.ListAuditRecords(ctx, "acc-b")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMultiSink(t *testing.T) {
	ctx := context.Background()
	good := NewMemorySink()
	bad := &flakySink{failures: 1, inner: NewMemorySink()}

	multi := MultiSink{good, bad, NewLogSink(logging.NewNoOpLogger())}

	err := multi.Record(ctx, rejectionEvent(time.Now()))
	assert.ErrorContains(t, err, "sink unavailable")
	assert.Len(t, good.Events(), 1)

	assert.NoError(t, multi.Record(ctx, lifecycleEvent(time.Now())))
	assert.Len(t, bad.inner.Events(), 1)
}
