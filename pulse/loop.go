package pulse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/sym"
)

// RunFunc is one invocation of a loop's work
type RunFunc func(ctx context.Context) error

// Loop runs a RunFunc on a fixed interval until stopped. Runs never overlap;
// a tick that arrives while a run is in flight is dropped. Trigger requests an
// out-of-band run without waiting for the next tick.
type Loop struct {
	name     string
	interval time.Duration
	fn       RunFunc
	clock    Clock
	logger   *zap.SugaredLogger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan struct{}
	ticker  Ticker

	mu        sync.Mutex
	running   bool
	lastRunAt time.Time
	runs      int64
	errors    int64
	lastErr   string
}

// LoopStats is a point-in-time view of a loop
type LoopStats struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	LastRunAt time.Time     `json:"last_run_at"`
	Runs      int64         `json:"runs"`
	Errors    int64         `json:"errors"`
	LastError string        `json:"last_error,omitempty"`
}

// NewLoop creates a loop. A zero interval disables the ticker and the loop
// only runs when triggered.
func NewLoop(name string, interval time.Duration, fn RunFunc, clock Clock, log *zap.SugaredLogger) *Loop {
	if clock == nil {
		clock = RealClock{}
	}
	return &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		clock:    clock,
		logger:   log.With(logger.FieldSymbol, sym.Pulse, "loop", name),
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins the loop under parent. The ticker is created before Start
// returns so virtual time advanced afterwards is always observed.
func (l *Loop) Start(parent context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.ctx, l.cancel = context.WithCancel(parent)
	if l.interval > 0 {
		l.ticker = l.clock.NewTicker(l.interval)
	}
	l.running = true
	l.wg.Add(1)
	go l.run()
	l.logger.Debugw("Loop started", logger.FieldInterval, l.interval)
}

// Stop cancels the loop and waits for an in-flight run to return
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.cancel()
	l.mu.Unlock()

	l.wg.Wait()

	l.mu.Lock()
	l.running = false
	if l.ticker != nil {
		l.ticker.Stop()
		l.ticker = nil
	}
	l.mu.Unlock()
	l.logger.Debugw("Loop stopped")
}

// Trigger requests a run as soon as the loop is idle. Repeated triggers
// while a run is pending collapse into one.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// RunOnce executes the work synchronously, outside the schedule
func (l *Loop) RunOnce(ctx context.Context) error {
	return l.invoke(ctx)
}

// Stats returns a snapshot of the loop's counters
func (l *Loop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoopStats{
		Name:      l.name,
		Interval:  l.interval,
		Running:   l.running,
		LastRunAt: l.lastRunAt,
		Runs:      l.runs,
		Errors:    l.errors,
		LastError: l.lastErr,
	}
}

func (l *Loop) run() {
	defer l.wg.Done()

	var tick <-chan time.Time
	l.mu.Lock()
	if l.ticker != nil {
		tick = l.ticker.C()
	}
	ctx := l.ctx
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-l.trigger:
		}
		// cancellation wins over a tick that raced it
		if ctx.Err() != nil {
			return
		}
		if err := l.invoke(ctx); err != nil {
			l.logger.Warnw("Loop run failed", logger.FieldError, err)
		}
	}
}

func (l *Loop) invoke(ctx context.Context) error {
	err := l.fn(logger.WithComponent(ctx, l.name))

	l.mu.Lock()
	l.lastRunAt = l.clock.Now()
	l.runs++
	if err != nil {
		l.errors++
		l.lastErr = err.Error()
	} else {
		l.lastErr = ""
	}
	l.mu.Unlock()
	return err
}
