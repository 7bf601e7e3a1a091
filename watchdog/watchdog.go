package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/pulse"
)

// Config holds the retry policy
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Redeliverer re-attempts a hand-off when a scheduled retry comes due. It
// returns the target the payload was handed to.
type Redeliverer interface {
	Redeliver(ctx context.Context, reg *Registration) (string, error)
}

// SweepResult lists what a sweep did
type SweepResult struct {
	TimedOut  []string
	Retried   []string
	Escalated []string
}

// Watchdog runs the per-registration state machine PENDING -> DELIVERED |
// FAILED over an injected DeliveryRegistry
type Watchdog struct {
	registry    DeliveryRegistry
	cfg         Config
	clock       pulse.Clock
	notifier    Notifier
	quarantine  Quarantine
	redeliverer Redeliverer
	logger      *zap.SugaredLogger
	startedAt   time.Time

	// serialises state transitions
	mu         sync.Mutex
	pubMu      sync.RWMutex
	publishers []Publisher
	lastSweep  time.Time
}

// Option customises a Watchdog
type Option func(*Watchdog)

// WithClock sets the clock used for timestamps and timeouts
func WithClock(c pulse.Clock) Option { return func(w *Watchdog) { w.clock = c } }

// WithNotifier sets the escalation sink
func WithNotifier(n Notifier) Option { return func(w *Watchdog) { w.notifier = n } }

// WithQuarantine sets where failed payloads are kept
func WithQuarantine(q Quarantine) Option { return func(w *Watchdog) { w.quarantine = q } }

// WithRedeliverer sets how scheduled retries are performed
func WithRedeliverer(r Redeliverer) Option { return func(w *Watchdog) { w.redeliverer = r } }

// New creates a watchdog. Without a notifier, escalations go to the log.
func New(registry DeliveryRegistry, cfg Config, log *zap.SugaredLogger, opts ...Option) *Watchdog {
	w := &Watchdog{
		registry: registry,
		cfg:      cfg,
		clock:    pulse.RealClock{},
		logger:   log,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.notifier == nil {
		w.notifier = LogNotifier{Logger: log}
	}
	w.startedAt = w.clock.Now()
	return w
}

// SetRedeliverer sets the redeliverer after construction, for wiring cycles
func (w *Watchdog) SetRedeliverer(r Redeliverer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.redeliverer = r
}

// AddPublisher registers a snapshot consumer
func (w *Watchdog) AddPublisher(p Publisher) {
	w.pubMu.Lock()
	defer w.pubMu.Unlock()
	w.publishers = append(w.publishers, p)
}

// Register creates a PENDING registration and returns its uuid
func (w *Watchdog) Register(ctx context.Context, payload []byte, source string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	reg := &Registration{
		UUID:         uuid.New().String(),
		Source:       source,
		Payload:      payload,
		Checksum:     Checksum(payload),
		Status:       StatusPending,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := w.registry.Create(ctx, reg); err != nil {
		return "", errors.Wrap(err, "failed to register hand-off")
	}
	w.logger.Debugw("Hand-off registered", logger.FieldUUID, reg.UUID, logger.FieldSource, source)
	w.publishLocked(ctx)
	return reg.UUID, nil
}

// ConfirmDelivery moves a PENDING registration to DELIVERED
func (w *Watchdog) ConfirmDelivery(ctx context.Context, id, target string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	reg, err := w.pending(ctx, id)
	if err != nil {
		return err
	}
	now := w.clock.Now()
	reg.Status = StatusDelivered
	reg.NextRetryAt = time.Time{}
	reg.UpdatedAt = now
	attempt := &Attempt{Seq: len(reg.Attempts) + 1, Timestamp: now, Status: AttemptDelivered, Target: target}
	if err := w.registry.Update(ctx, reg, attempt); err != nil {
		return err
	}
	w.logger.Infow("Hand-off delivered",
		logger.FieldUUID, id,
		logger.FieldSource, reg.Source,
		logger.FieldTarget, target)
	w.publishLocked(ctx)
	return nil
}

// MarkFailed records a failed attempt. Below the retry limit a retry is
// scheduled with exponential backoff; at the limit the registration
// becomes FAILED and exactly one escalation alert is sent.
func (w *Watchdog) MarkFailed(ctx context.Context, id, errMsg, target string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.markFailedLocked(ctx, id, errMsg, target)
	return err
}

func (w *Watchdog) markFailedLocked(ctx context.Context, id, errMsg, target string) (escalated bool, err error) {
	reg, err := w.pending(ctx, id)
	if err != nil {
		return false, err
	}

	now := w.clock.Now()
	attempt := Attempt{Seq: len(reg.Attempts) + 1, Timestamp: now, Status: AttemptFailed, Target: target, Error: errMsg}
	reg.RetryCount++
	reg.Attempts = append(reg.Attempts, attempt)
	reg.UpdatedAt = now

	log := w.logger.With(logger.FieldUUID, id, logger.FieldSource, reg.Source, logger.FieldAttempt, reg.RetryCount)

	if w.quarantine != nil {
		path, qerr := w.quarantine.Put(ctx, reg, errMsg)
		if qerr != nil {
			log.Errorw("Failed to quarantine payload", logger.FieldError, qerr)
		} else {
			log.Debugw("Payload quarantined", logger.FieldPath, path)
		}
	}

	if reg.RetryCount < w.cfg.MaxRetries {
		delay := w.retryDelay(reg.RetryCount)
		reg.NextRetryAt = now.Add(delay)
		if err := w.registry.Update(ctx, reg, &attempt); err != nil {
			return false, err
		}
		log.Warnw("Hand-off failed, retry scheduled",
			logger.FieldError, errMsg,
			"retry_in", delay.String())
		w.publishLocked(ctx)
		return false, nil
	}

	reg.Status = StatusFailed
	reg.Escalated = true
	reg.NextRetryAt = time.Time{}
	if err := w.registry.Update(ctx, reg, &attempt); err != nil {
		return false, err
	}
	log.Errorw("Hand-off retries exhausted, escalating", logger.FieldError, errMsg)

	alert := Alert{
		Command:   EscalationCommand,
		Text:      fmt.Sprintf("Delivery of %s failed %d times: %s", reg.Source, reg.RetryCount, errMsg),
		Source:    reg.Source,
		UUID:      reg.UUID,
		Checksum:  reg.Checksum,
		Payload:   string(reg.Payload),
		Attempts:  reg.Attempts,
		Timestamp: now,
	}
	if err := w.notifier.SendAlert(ctx, alert); err != nil {
		log.Errorw("Failed to send escalation alert", logger.FieldError, err)
	}
	w.publishLocked(ctx)
	return true, nil
}

// Sweep times out stale PENDING registrations and performs due retries.
// A registration waiting for a scheduled retry does not time out.
func (w *Watchdog) Sweep(ctx context.Context) (*SweepResult, error) {
	w.mu.Lock()
	now := w.clock.Now()
	w.lastSweep = now
	pending, err := w.registry.List(ctx, StatusPending)
	if err != nil {
		w.mu.Unlock()
		return nil, errors.Wrap(err, "watchdog sweep")
	}

	result := &SweepResult{}
	var due []*Registration
	for _, reg := range pending {
		switch {
		case reg.RetryScheduled():
			if !now.Before(reg.NextRetryAt) {
				due = append(due, reg)
			}
		case w.cfg.Timeout > 0 && now.Sub(reg.LastActivity()) >= w.cfg.Timeout:
			escalated, err := w.markFailedLocked(ctx, reg.UUID, TimeoutError, "")
			if err != nil {
				w.mu.Unlock()
				return result, err
			}
			result.TimedOut = append(result.TimedOut, reg.UUID)
			if escalated {
				result.Escalated = append(result.Escalated, reg.UUID)
			}
		}
	}
	redeliverer := w.redeliverer
	w.mu.Unlock()

	if redeliverer == nil {
		if len(due) == 0 {
			return result, nil
		}
		w.logger.Warnw("Retries due but no redeliverer is configured, leaving them scheduled",
			logger.FieldCount, len(due))
		return result, errors.WithHint(
			errors.Newf("%d retries due with no redeliverer configured", len(due)),
			"wire a Redeliverer with WithRedeliverer or SetRedeliverer")
	}

	var combined error
	for _, reg := range due {
		escalated, err := w.retry(ctx, redeliverer, reg)
		if err != nil {
			combined = errors.CombineErrors(combined, err)
			continue
		}
		result.Retried = append(result.Retried, reg.UUID)
		if escalated {
			result.Escalated = append(result.Escalated, reg.UUID)
		}
	}
	return result, combined
}

// retry re-attempts one hand-off outside the state lock, then records it
func (w *Watchdog) retry(ctx context.Context, redeliverer Redeliverer, reg *Registration) (bool, error) {
	target, deliverErr := redeliverer.Redeliver(ctx, reg)

	w.mu.Lock()
	defer w.mu.Unlock()

	if deliverErr != nil {
		escalated, err := w.markFailedLocked(ctx, reg.UUID, deliverErr.Error(), target)
		if errors.Is(err, errors.ErrTerminal) {
			return false, nil
		}
		return escalated, err
	}

	current, err := w.pending(ctx, reg.UUID)
	if errors.Is(err, errors.ErrTerminal) {
		// confirmed while the redelivery was in flight
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := w.clock.Now()
	current.NextRetryAt = time.Time{}
	current.UpdatedAt = now
	attempt := &Attempt{Seq: len(current.Attempts) + 1, Timestamp: now, Status: AttemptRetried, Target: target}
	if err := w.registry.Update(ctx, current, attempt); err != nil {
		return false, err
	}
	w.logger.Infow("Hand-off retried",
		logger.FieldUUID, reg.UUID,
		logger.FieldTarget, target,
		logger.FieldAttempt, current.RetryCount)
	w.publishLocked(ctx)
	return false, nil
}

// Get returns a registration
func (w *Watchdog) Get(ctx context.Context, id string) (*Registration, error) {
	return w.registry.Get(ctx, id)
}

// Snapshot computes the current aggregate status
func (w *Watchdog) Snapshot(ctx context.Context) (Snapshot, error) {
	regs, err := w.registry.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	now := w.clock.Now()
	return summarize(regs, now.Sub(w.startedAt), now), nil
}

// LastSweep returns when the last sweep started
func (w *Watchdog) LastSweep() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSweep
}

// pending loads a registration that must still be PENDING
func (w *Watchdog) pending(ctx context.Context, id string) (*Registration, error) {
	reg, err := w.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.Terminal() {
		return nil, errors.Wrapf(errors.ErrTerminal, "registration %s is %s", id, reg.Status)
	}
	return reg, nil
}

// retryDelay is the backoff before retry number n (1-based), doubling from
// BackoffInitial up to BackoffMax without jitter
func (w *Watchdog) retryDelay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BackoffInitial
	b.MaxInterval = w.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (w *Watchdog) publishLocked(ctx context.Context) {
	w.pubMu.RLock()
	publishers := append([]Publisher(nil), w.publishers...)
	w.pubMu.RUnlock()
	if len(publishers) == 0 {
		return
	}
	snap, err := w.Snapshot(ctx)
	if err != nil {
		w.logger.Warnw("Failed to compute watchdog snapshot", logger.FieldError, err)
		return
	}
	for _, p := range publishers {
		p.Publish(snap)
	}
}
