package metrics

import "time"

// Collector receives ledger and audit measurements. Implementations can
// export to Prometheus or discard everything.
type Collector interface {
	// Ledger operations; outcome is "completed", "failed" or "rejected"
	RecordOperation(operation string, outcome string, duration time.Duration)
	RecordComplianceRejection(category string)

	// Audit delivery
	RecordAuditDelivery(success bool, duration time.Duration)
	RecordAuditDropped()
	RecordAuditQueueDepth(depth int)
	RecordCircuitState(name string, state CircuitState)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards all measurements.
type NoOpCollector struct{}

func (NoOpCollector) RecordOperation(operation string, outcome string, duration time.Duration) {}
func (NoOpCollector) RecordComplianceRejection(category string)                                {}
func (NoOpCollector) RecordAuditDelivery(success bool, duration time.Duration)                 {}
func (NoOpCollector) RecordAuditDropped()                                                      {}
func (NoOpCollector) RecordAuditQueueDepth(depth int)                                          {}
func (NoOpCollector) RecordCircuitState(name string, state CircuitState)                       {}
