package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/logging"
	"github.com/ruralpay/ledger/internal/metrics"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var ErrDispatcherClosed = errors.New("audit dispatcher closed")

// DispatcherConfig controls retries and the sink circuit breaker
type DispatcherConfig struct {
	MaxAttempts     int
	RetryBackoff    time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

func DispatcherConfigFrom(cfg *config.AuditConfig) DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts:     cfg.MaxAttempts,
		RetryBackoff:    cfg.RetryBackoff,
		MaxBackoff:      cfg.MaxBackoff,
		DeliveryTimeout: cfg.DeliveryTimeout,
		BreakerFailures: cfg.BreakerFailures,
		BreakerOpenFor:  cfg.BreakerOpenFor,
	}
}

// Dispatcher queues events without blocking the caller and delivers them
// to a sink from a single worker, retrying each event until it lands or
// exhausts its attempts. Exhausted events are reported on the operational
// log and the dropped-events metric.
type Dispatcher struct {
	sink    Sink
	cfg     DispatcherConfig
	breaker *gobreaker.CircuitBreaker
	logger  *logging.Logger
	metrics metrics.Collector

	mu     sync.Mutex
	queue  []models.AuditEvent
	closed bool

	notify chan struct{}
	stop   chan struct{}
	abort  chan struct{}
	done   chan struct{}

	stopOnce  sync.Once
	abortOnce sync.Once
}

func NewDispatcher(sink Sink, cfg DispatcherConfig, logger *logging.Logger, collector metrics.Collector) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	d := &Dispatcher{
		sink:    sink,
		cfg:     cfg,
		logger:  logger.Named("audit"),
		metrics: collector,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "audit-sink",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			d.logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			d.metrics.RecordCircuitState(name, state)
		},
	})

	go d.run()
	return d
}

// Record enqueues event and returns immediately. It fails only after Close.
func (d *Dispatcher) Record(ctx context.Context, event models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.queue = append(d.queue, event)
	depth := len(d.queue)
	d.mu.Unlock()

	d.metrics.RecordAuditQueueDepth(depth)
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued events
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops accepting events and waits for the queue to drain. If ctx
// expires first, in-flight retries are abandoned and the remaining events
// are reported as dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stopOnce.Do(func() { close(d.stop) })

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.abortOnce.Do(func() { close(d.abort) })
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.notify:
			d.drain()
		case <-d.stop:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		event := d.queue[0]
		d.queue = d.queue[1:]
		depth := len(d.queue)
		d.mu.Unlock()

		d.metrics.RecordAuditQueueDepth(depth)
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event models.AuditEvent) {
	backoff := d.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		_, err := d.breaker.Execute(func() (interface{}, error) {
			ctx := context.Background()
			if d.cfg.DeliveryTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
				defer cancel()
			}
			return nil, d.sink.Record(ctx, event)
		})
		d.metrics.RecordAuditDelivery(err == nil, time.Since(start))
		if err == nil {
			return
		}
		lastErr = err

		if attempt == d.cfg.MaxAttempts {
			break
		}
		d.logger.Debug("audit delivery failed, retrying",
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if !d.sleep(backoff) {
			break
		}
		backoff *= 2
		if d.cfg.MaxBackoff > 0 && backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}

	d.metrics.RecordAuditDropped()
	d.logger.Error("audit event dropped",
		zap.String("event_id", event.ID),
		zap.String("subject_id", event.SubjectID),
		zap.String("category", event.Category),
		zap.String("transaction_id", event.TransactionID),
		zap.String("status", string(event.Status)),
		zap.String("message", event.Message),
		zap.Time("timestamp", event.Timestamp),
		zap.Error(lastErr),
	)
}

// sleep waits for wait or until the dispatcher is aborted
func (d *Dispatcher) sleep(wait time.Duration) bool {
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-d.abort:
		return false
	}
}
