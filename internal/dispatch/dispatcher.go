package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/chain-monitor/infrastructure/logging"
	"github.com/r3e-network/chain-monitor/infrastructure/resilience"
)

// MetricsRecorder is the subset of infrastructure/metrics the dispatcher
// reports through.
type MetricsRecorder interface {
	RecordDispatch(channel, status string, duration time.Duration)
	SetCircuitBreakerState(channel string, state int)
	SetDLQStaleCount(count int)
}

// Subscriber is the subset of internal/notify.Registry the dispatcher
// consumes the commit-bound event through.
type Subscriber interface {
	Subscribe(handler func(ctx context.Context, ids []int64) error) error
}

// Config tunes retry, per-attempt timeout, and circuit breaker behavior.
// Zero values fall back to the documented defaults.
type Config struct {
	RetryAttempts         int
	RetryBaseDelay        time.Duration
	AttemptTimeout        time.Duration
	CircuitWindow         int
	CircuitFailureRatePct int
	CircuitCoolOff        time.Duration
	DLQStalenessWarn      time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
	if c.CircuitWindow <= 0 {
		c.CircuitWindow = 10
	}
	if c.CircuitFailureRatePct <= 0 {
		c.CircuitFailureRatePct = 50
	}
	if c.CircuitCoolOff <= 0 {
		c.CircuitCoolOff = 30 * time.Second
	}
	if c.DLQStalenessWarn <= 0 {
		c.DLQStalenessWarn = time.Hour
	}
	return c
}

// Dispatcher consumes the commit-bound notification event and drives each
// notification through its per-channel handler with retry and circuit
// breaking.
type Dispatcher struct {
	store    *Store
	handlers map[Channel]Handler
	breakers map[Channel]*resilience.CircuitBreaker
	metrics  MetricsRecorder
	logger   *logging.Logger
	cfg      Config
	cron     *cron.Cron
}

// New builds a Dispatcher. handlers maps each supported channel to its
// delivery implementation; a notification on a channel with no entry is
// marked failed the first time it is seen. Only the status is updated: no
// failure reason is stored on the row and no DLQ entry is written.
func New(store *Store, handlers map[Channel]Handler, metrics MetricsRecorder, logger *logging.Logger, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	breakers := make(map[Channel]*resilience.CircuitBreaker, len(handlers))
	for ch := range handlers {
		ch := ch
		breakers[ch] = resilience.NewSlidingWindow(resilience.SlidingWindowConfig{
			WindowSize:     cfg.CircuitWindow,
			FailureRatePct: cfg.CircuitFailureRatePct,
			Timeout:        cfg.CircuitCoolOff,
			HalfOpenMax:    1,
			OnStateChange: func(from, to resilience.State) {
				if metrics != nil {
					metrics.SetCircuitBreakerState(string(ch), int(to))
				}
			},
		})
	}
	return &Dispatcher{
		store:    store,
		handlers: handlers,
		breakers: breakers,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run subscribes to the commit-bound notification event and dispatches
// every id it receives on its own goroutine. Subscribe only registers the
// handler and returns; events are delivered afterwards by the bus's
// listener.
func (d *Dispatcher) Run(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(func(ctx context.Context, ids []int64) error {
		notifications, err := d.store.Load(ctx, ids)
		if err != nil {
			return err
		}
		for i := range notifications {
			n := notifications[i]
			go d.dispatchSafely(&n)
		}
		return nil
	})
}

// StartStalenessSweep runs a cron.Cron job that reports, but does not resolve, stale DLQ rows via a
// gauge. Resolution is an operator action through internal/httpapi.
func (d *Dispatcher) StartStalenessSweep(spec string) error {
	d.cron = cron.New()
	_, err := d.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := d.store.StaleDLQCount(ctx, time.Now().Add(-d.cfg.DLQStalenessWarn))
		if err != nil {
			if d.logger != nil {
				d.logger.WithError(err).Warn("dispatch: stale dlq sweep failed")
			}
			return
		}
		if d.metrics != nil {
			d.metrics.SetDLQStaleCount(n)
		}
	})
	if err != nil {
		return err
	}
	d.cron.Start()
	return nil
}

// Stop halts the staleness sweep, if running.
func (d *Dispatcher) Stop() {
	if d.cron != nil {
		d.cron.Stop()
	}
}

func (d *Dispatcher) dispatchSafely(n *Notification) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.WithField("panic", r).Error("dispatch: handler panicked")
		}
	}()
	d.dispatchOne(context.Background(), n)
}

// dispatchOne drives one notification through the delivery state machine.
// It is detached from the request that created it: dispatch runs on
// background workers and per-notification send may block for network I/O.
func (d *Dispatcher) dispatchOne(ctx context.Context, n *Notification) {
	start := time.Now()

	handler, ok := d.handlers[n.Channel]
	if !ok {
		if err := d.store.MarkFailed(ctx, n.ID); err != nil && d.logger != nil {
			d.logger.WithError(err).Error("dispatch: mark failed")
		}
		d.recordOutcome(n.Channel, "no_service", time.Since(start))
		return
	}

	if err := d.store.MarkDelivering(ctx, n.ID); err != nil {
		if d.logger != nil {
			d.logger.WithError(err).Error("dispatch: mark delivering")
		}
		return
	}

	breaker := d.breakers[n.Channel]
	delay := d.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		sendErr := breaker.Execute(attemptCtx, func() error {
			return handler.Send(attemptCtx, n)
		})
		cancel()

		if sendErr == nil {
			if err := d.store.MarkDelivered(ctx, n.ID); err != nil && d.logger != nil {
				d.logger.WithError(err).Error("dispatch: mark delivered")
			}
			if d.metrics != nil {
				d.metrics.SetCircuitBreakerState(string(n.Channel), int(breaker.State()))
			}
			d.recordOutcome(n.Channel, "success", time.Since(start))
			return
		}

		// Circuit-open short-circuit: per the resolved Open Question on
		// attempt accounting, this never reaches the remote side and so
		// is not recorded as an attempt.
		if errors.Is(sendErr, resilience.ErrCircuitOpen) || errors.Is(sendErr, resilience.ErrTooManyRequests) {
			d.deadLetter(ctx, n, ReasonCircuitOpen, sendErr, start)
			return
		}

		var invalid *ErrInvalidRecipient
		if errors.As(sendErr, &invalid) {
			if err := d.store.RecordAttempt(ctx, n.ID, attempt, sendErr); err != nil && d.logger != nil {
				d.logger.WithError(err).Error("dispatch: record attempt")
			}
			n.AttemptCount = attempt
			d.deadLetter(ctx, n, ReasonInvalidRecipient, sendErr, start)
			return
		}

		lastErr = sendErr
		if err := d.store.RecordAttempt(ctx, n.ID, attempt, sendErr); err != nil && d.logger != nil {
			d.logger.WithError(err).Error("dispatch: record attempt")
		}
		// Keep the in-memory count in step with the row: deadLetter
		// denormalizes n.AttemptCount into the DLQ snapshot.
		n.AttemptCount = attempt

		if attempt == d.cfg.RetryAttempts {
			break
		}

		if err := d.store.MarkRetrying(ctx, n.ID); err != nil && d.logger != nil {
			d.logger.WithError(err).Error("dispatch: mark retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}

	reason := ReasonMaxRetriesExceeded
	if errors.Is(lastErr, context.DeadlineExceeded) {
		reason = ReasonTimeout
	}
	d.deadLetter(ctx, n, reason, lastErr, start)
}

func (d *Dispatcher) deadLetter(ctx context.Context, n *Notification, reason FailureReason, cause error, start time.Time) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := d.store.MarkDeadLetterAndEnqueue(ctx, n, reason, msg, ""); err != nil && d.logger != nil {
		d.logger.WithError(err).Error("dispatch: mark dead letter")
	}
	d.recordOutcome(n.Channel, "failure", time.Since(start))
}

func (d *Dispatcher) recordOutcome(channel Channel, status string, duration time.Duration) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(string(channel), status, duration)
	}
}
