package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/fieldops/internal/events"
	"github.com/jogardn/fieldops/internal/metrics"
	"github.com/jogardn/fieldops/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 10
)

var ErrNoPendingPayment = errors.New("no pending payment")

type Outcome int

const (
	OutcomeNoPending Outcome = iota
	OutcomeSuccess
	OutcomeFailed
	OutcomeCancelled
	// OutcomeIndeterminate means the processor never settled while we were
	// watching. It is not a failure; the order status will tell later.
	OutcomeIndeterminate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoPending:
		return "no_pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeIndeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func outcomeOf(status models.PaymentStatus) Outcome {
	switch status {
	case models.PaymentSuccess:
		return OutcomeSuccess
	case models.PaymentFailed:
		return OutcomeFailed
	case models.PaymentCancelled:
		return OutcomeCancelled
	default:
		return OutcomeIndeterminate
	}
}

type Result struct {
	Outcome   Outcome                `json:"outcome"`
	Reference string                 `json:"paymentReference,omitempty"`
	Payment   *models.PaymentAttempt `json:"payment,omitempty"`
	Checks    int                    `json:"checks"`   // status calls made
	Attempts  int                    `json:"attempts"` // interval checks after the first
}

type StatusChecker interface {
	PaymentStatus(ctx context.Context, reference string) (*models.PaymentAttempt, error)
}

type WatcherConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Publisher   events.Publisher
	// OnTerminal fires once per reference for the first terminal status seen.
	OnTerminal func(Result)
}

// Watcher resolves the pending payment of a session after the customer
// returns from the payment processor.
type Watcher struct {
	checker     StatusChecker
	interval    time.Duration
	maxAttempts int
	publisher   events.Publisher
	onTerminal  func(Result)
	logger      *logrus.Logger

	mu    sync.Mutex
	fired map[string]time.Time
}

func NewWatcher(checker StatusChecker, config WatcherConfig, logger *logrus.Logger) *Watcher {
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Publisher == nil {
		config.Publisher = events.NopPublisher{}
	}

	return &Watcher{
		checker:     checker,
		interval:    config.Interval,
		maxAttempts: config.MaxAttempts,
		publisher:   config.Publisher,
		onTerminal:  config.OnTerminal,
		logger:      logger,
		fired:       make(map[string]time.Time),
	}
}

// Resolve reads the slot and polls until the payment settles, attempts run
// out or ctx is done. Polling is serial: the next check is scheduled only
// after the previous one returned.
//
// An empty slot returns OutcomeNoPending with ErrNoPendingPayment. When ctx
// ends first, the slot is left alone and ctx's error is returned: a closed
// page is not an abandoned payment. Abandoning is the cancel route, which
// clears the slot through ClearPending without a status check.
func (w *Watcher) Resolve(ctx context.Context, slot Slot) (Result, error) {
	reference, ok, err := slot.Get(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read pending payment: %w", err)
	}
	if !ok {
		return Result{Outcome: OutcomeNoPending}, ErrNoPendingPayment
	}

	result := Result{Reference: reference}
	entry := w.logger.WithField("payment_reference", reference)

	for attempt := 0; attempt <= w.maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(w.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			case <-timer.C:
			}
			result.Attempts = attempt
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		payment, err := w.checker.PaymentStatus(ctx, reference)
		result.Checks++

		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			metrics.PaymentStatusChecksTotal.WithLabelValues("error").Inc()
			entry.WithError(err).WithField("check", result.Checks).Warn("Payment status check failed")
			continue
		}

		metrics.PaymentStatusChecksTotal.WithLabelValues(string(payment.Status)).Inc()
		if payment.Status.IsTerminal() {
			result.Payment = payment
			result.Outcome = outcomeOf(payment.Status)
			w.settle(ctx, slot, result)
			return result, nil
		}
	}

	result.Outcome = OutcomeIndeterminate
	metrics.PaymentOutcomesTotal.WithLabelValues(result.Outcome.String()).Inc()
	entry.WithFields(logrus.Fields{
		"checks":   result.Checks,
		"attempts": result.Attempts,
	}).Warn("Payment still pending after all checks")
	w.emit(ctx, result)

	return result, nil
}

func (w *Watcher) settle(ctx context.Context, slot Slot, result Result) {
	entry := w.logger.WithFields(logrus.Fields{
		"payment_reference": result.Reference,
		"outcome":           result.Outcome.String(),
		"checks":            result.Checks,
	})

	if err := slot.Clear(ctx); err != nil {
		entry.WithError(err).Error("Failed to clear pending payment")
	}

	if !w.markFired(result.Reference) {
		entry.Debug("Terminal payment status already handled")
		return
	}

	metrics.PaymentOutcomesTotal.WithLabelValues(result.Outcome.String()).Inc()
	entry.Info("Payment resolved")
	w.emit(ctx, result)

	if w.onTerminal != nil {
		w.onTerminal(result)
	}
}

const firedRetention = time.Hour

// markFired reports whether reference is seen settled for the first time.
func (w *Watcher) markFired(reference string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for ref, at := range w.fired {
		if now.Sub(at) > firedRetention {
			delete(w.fired, ref)
		}
	}
	if _, ok := w.fired[reference]; ok {
		return false
	}
	w.fired[reference] = now
	return true
}

func (w *Watcher) emit(ctx context.Context, result Result) {
	payload := events.PaymentResolvedPayload{
		PaymentReference: result.Reference,
		Outcome:          result.Outcome.String(),
	}
	if p := result.Payment; p != nil {
		payload.Status = p.Status
		payload.OrderNumber = p.OrderNumber
		payload.Amount = p.Amount
		payload.Currency = p.Currency
	}
	events.Emit(context.WithoutCancel(ctx), w.publisher, w.logger, events.PaymentResolved, result.Reference, payload)
}

// Watch is a running Resolve that its owner can cancel.
type Watch struct {
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

// Start runs Resolve in the background. The owner must Cancel or Wait.
func (w *Watcher) Start(ctx context.Context, slot Slot) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	watch := &Watch{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(watch.done)
		defer cancel()
		watch.result, watch.err = w.Resolve(ctx, slot)
	}()

	return watch
}

// Cancel stops polling. A check in flight is aborted; Wait returns once the
// loop has exited.
func (t *Watch) Cancel() {
	t.cancel()
}

func (t *Watch) Done() <-chan struct{} {
	return t.done
}

func (t *Watch) Wait() (Result, error) {
	<-t.done
	return t.result, t.err
}
