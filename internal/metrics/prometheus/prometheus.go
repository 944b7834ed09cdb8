package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruralpay/ledger/internal/metrics"
)

// Collector implements metrics.Collector on a private registry.
type Collector struct {
	registry *prometheus.Registry

	operations         *prometheus.CounterVec
	operationLatency   *prometheus.HistogramVec
	complianceRejected *prometheus.CounterVec

	auditDelivered *prometheus.CounterVec
	auditLatency   prometheus.Histogram
	auditDropped   prometheus.Counter
	auditQueue     prometheus.Gauge
	circuitState   *prometheus.GaugeVec
}

var _ metrics.Collector = (*Collector)(nil)

// NewCollector creates and registers all ledger metrics under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Ledger operations by type and outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_operation_duration_seconds",
				Help:      "Ledger operation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		complianceRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compliance_rejections_total",
				Help:      "Transfers rejected by the compliance rule set, per audit category",
			},
			[]string{"category"},
		),
		auditDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_deliveries_total",
				Help:      "Audit sink delivery attempts",
			},
			[]string{"result"},
		),
		auditLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "audit_delivery_duration_seconds",
				Help:      "Audit sink delivery latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
		auditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_dropped_total",
				Help:      "Audit events that exhausted every delivery attempt",
			},
		),
		auditQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audit_queue_depth",
				Help:      "Audit events waiting for delivery",
			},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
	}

	c.registry.MustRegister(
		c.operations,
		c.operationLatency,
		c.complianceRejected,
		c.auditDelivered,
		c.auditLatency,
		c.auditDropped,
		c.auditQueue,
		c.circuitState,
	)

	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordOperation(operation string, outcome string, duration time.Duration) {
	c.operations.WithLabelValues(operation, outcome).Inc()
	c.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordComplianceRejection(category string) {
	c.complianceRejected.WithLabelValues(category).Inc()
}

func (c *Collector) RecordAuditDelivery(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	c.auditDelivered.WithLabelValues(result).Inc()
	c.auditLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordAuditDropped() {
	c.auditDropped.Inc()
}

func (c *Collector) RecordAuditQueueDepth(depth int) {
	c.auditQueue.Set(float64(depth))
}

func (c *Collector) RecordCircuitState(name string, state metrics.CircuitState) {
	c.circuitState.WithLabelValues(name).Set(float64(state))
}
