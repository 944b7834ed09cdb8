package prometheus

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruralpay/ledger/internal/metrics"
	"github.com/stretchr/testify/assert"
)

func TestCollector_RecordOperation(t *testing.T) {
	c := NewCollector("test")

	c.RecordOperation("transfer", "completed", 10*time.Millisecond)
	c.RecordOperation("transfer", "completed", 5*time.Millisecond)
	c.RecordOperation("transfer", "rejected", time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.operations.WithLabelValues("transfer", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.operations.WithLabelValues("transfer", "rejected")))
}

func TestCollector_Audit(t *testing.T) {
	c := NewCollector("test")

	c.RecordAuditDelivery(true, time.Millisecond)
	c.RecordAuditDelivery(false, time.Millisecond)
	c.RecordAuditDropped()
	c.RecordAuditQueueDepth(7)
	c.RecordCircuitState("audit", metrics.CircuitOpen)
	c.RecordComplianceRejection("AML_ALERT")

	assert.Equal(t, float64(1), testutil.ToFloat64(c.auditDelivered.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.auditDropped))
	assert.Equal(t, float64(7), testutil.ToFloat64(c.auditQueue))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.circuitState.WithLabelValues("audit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.complianceRejected.WithLabelValues("AML_ALERT")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.RecordAuditDropped()

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_audit_events_dropped_total 1")
}
