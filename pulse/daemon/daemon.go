// Package daemon assembles the pipeline from configuration and runs its
// loops: admission scans, engine cycles, watchdog sweeps and lifecycle
// refreshes, each on its own timer, plus the optional status server.
package daemon

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/patchspool/admission"
	"github.com/teranos/patchspool/am"
	"github.com/teranos/patchspool/db"
	"github.com/teranos/patchspool/engine"
	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/handoff"
	"github.com/teranos/patchspool/lifecycle"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/pulse"
	"github.com/teranos/patchspool/server"
	"github.com/teranos/patchspool/store"
	"github.com/teranos/patchspool/watchdog"
)

// AlertsFile is the JSONL escalation log at the store root
const AlertsFile = "alerts.jsonl"

const shutdownTimeout = 10 * time.Second

// Option customises a Daemon
type Option func(*options)

type options struct {
	clock      pulse.Clock
	runner     engine.CommandRunner
	finalizer  engine.Finalizer
	notifier   watchdog.Notifier
	configPath string
}

// WithClock drives every component from c
func WithClock(c pulse.Clock) Option { return func(o *options) { o.clock = c } }

// WithRunner replaces the os/exec command runner
func WithRunner(r engine.CommandRunner) Option { return func(o *options) { o.runner = r } }

// WithFinalizer replaces the go-git finalizer
func WithFinalizer(f engine.Finalizer) Option { return func(o *options) { o.finalizer = f } }

// WithNotifier replaces the escalation sink
func WithNotifier(n watchdog.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithConfigPath enables hot reload of the config file at path
func WithConfigPath(path string) Option { return func(o *options) { o.configPath = path } }

// Daemon owns the wired components
type Daemon struct {
	Store     *store.Store
	Validator *admission.Validator
	Engine    *engine.Engine
	Watchdog  *watchdog.Watchdog
	Handoff   *handoff.Handoff
	Tracker   *lifecycle.Tracker
	Server    *server.Server // nil unless server.enabled

	cfg      *am.Config
	opts     options
	clock    pulse.Clock
	logger   *zap.SugaredLogger
	database *sql.DB
	registry watchdog.DeliveryRegistry

	admitLoop   *pulse.Loop
	engineLoop  *pulse.Loop
	sweepLoop   *pulse.Loop
	trackerLoop *pulse.Loop

	spoolWatcher  *admission.SpoolWatcher
	configWatcher *am.ConfigWatcher

	mu sync.Mutex // serialises Start and Stop

	stateMu   sync.RWMutex
	running   bool
	startedAt time.Time
}

// New wires every component from cfg without starting anything
func New(cfg *am.Config, log *zap.SugaredLogger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	o := options{clock: pulse.RealClock{}, runner: engine.ExecRunner{}}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Daemon{cfg: cfg, opts: o, clock: o.clock, logger: log}

	d.Store = store.New(cfg.Store.Root, cfg.Domains)
	if err := d.Store.Ensure(); err != nil {
		return nil, err
	}

	if err := d.openRegistry(); err != nil {
		return nil, err
	}

	notifier := o.notifier
	if notifier == nil {
		var err error
		if notifier, err = d.defaultNotifier(); err != nil {
			d.closeRegistry()
			return nil, err
		}
	}
	quarantine, err := watchdog.NewFileQuarantine(d.Store.QuarantineDir(), d.clock.Now)
	if err != nil {
		d.closeRegistry()
		return nil, err
	}
	d.Watchdog = watchdog.New(d.registry, watchdog.Config{
		Timeout:        cfg.Watchdog.Timeout(),
		MaxRetries:     cfg.Watchdog.MaxRetries,
		BackoffInitial: cfg.Watchdog.BackoffInitial(),
		BackoffMax:     cfg.Watchdog.BackoffMax(),
	}, log.Named("watchdog"),
		watchdog.WithClock(d.clock),
		watchdog.WithNotifier(notifier),
		watchdog.WithQuarantine(quarantine))
	d.Watchdog.AddPublisher(watchdog.StatusFilePublisher{
		Path:   d.Store.RootPath(store.WatchdogStatusFile),
		Logger: log.Named("watchdog"),
	})

	d.Handoff = handoff.New(d.Store, d.Watchdog, log.Named("handoff"))
	if cfg.Watchdog.Registry == am.RegistrySQLite {
		pending, err := d.registry.List(context.Background(), watchdog.StatusPending)
		if err != nil {
			d.closeRegistry()
			return nil, errors.Wrap(err, "failed to recover pending hand-offs")
		}
		d.Handoff.Recover(pending)
		if len(pending) > 0 {
			log.Infow("Recovered pending hand-offs", logger.FieldCount, len(pending))
		}
	}

	d.Tracker = lifecycle.New(d.Store, cfg.Tracker.RecentLimit, d.clock, log.Named("lifecycle"))

	var progress pulse.ProgressEmitter = pulse.NopEmitter{}
	if cfg.Server.Enabled {
		d.Server = server.New(cfg.Server.Addr, server.Deps{
			Store:    d.Store,
			Tracker:  d.Tracker,
			Watchdog: d.Watchdog,
			Health:   func() interface{} { return d.Health() },
		}, log.Named("server"))
		d.Watchdog.AddPublisher(d.Server.Hub())
		progress = d.Server.Hub()
	}

	finalizer := o.finalizer
	if finalizer == nil {
		finalizer = engine.GitFinalizer{
			AuthorName:  cfg.Engine.Git.AuthorName,
			AuthorEmail: cfg.Engine.Git.AuthorEmail,
			Now:         d.clock.Now,
		}
	}
	workspaces := make(map[string]string, len(cfg.Domains))
	for _, domain := range cfg.Domains {
		ws, err := filepath.Abs(cfg.Engine.WorkspaceFor(domain))
		if err != nil {
			d.closeRegistry()
			return nil, errors.Wrapf(err, "failed to resolve workspace for %s", domain)
		}
		workspaces[domain] = ws
	}
	d.Engine = engine.New(d.Store, engine.Config{
		PollInterval:      cfg.Engine.PollInterval(),
		HeartbeatInterval: cfg.Engine.HeartbeatInterval(),
		CommandTimeout:    cfg.Engine.CommandTimeout(),
		RunDisabled:       cfg.Engine.RunDisabled,
		Workspaces:        workspaces,
	}, o.runner, log.Named("engine"),
		engine.WithClock(d.clock),
		engine.WithFinalizer(finalizer),
		engine.WithProgress(progress))

	d.Validator = admission.New(d.Store, admission.Config{
		MaxNameLength: cfg.Admission.MaxNameLength,
		Extension:     cfg.Admission.Extension,
	}, d.clock, log.Named("admission"))
	d.Validator.AddObserver(d.Handoff)

	d.admitLoop = pulse.NewLoop("admission", cfg.Admission.Interval(), func(ctx context.Context) error {
		_, err := d.Validator.ScanAll(ctx)
		return err
	}, d.clock, log)
	d.engineLoop = pulse.NewLoop("engine", cfg.Engine.PollInterval(), d.Engine.RunCycle, d.clock, log)
	d.sweepLoop = pulse.NewLoop("watchdog", cfg.Watchdog.SweepInterval(), func(ctx context.Context) error {
		_, err := d.Watchdog.Sweep(ctx)
		return err
	}, d.clock, log)
	d.trackerLoop = pulse.NewLoop("lifecycle", cfg.Tracker.RefreshInterval(), d.Tracker.Refresh, d.clock, log)

	// a promotion wakes the engine instead of waiting for its next poll
	d.Validator.AddObserver(queueTrigger{loop: d.engineLoop})

	return d, nil
}

func (d *Daemon) openRegistry() error {
	if d.cfg.Watchdog.Registry != am.RegistrySQLite {
		d.registry = watchdog.NewMemoryRegistry()
		return nil
	}
	conn, err := db.OpenWithMigrations(d.cfg.Database.Path, d.logger.Named("db"))
	if err != nil {
		return errors.WithDetailf(err, "database: %s", d.cfg.Database.Path)
	}
	d.database = conn
	d.registry = watchdog.NewSQLRegistry(conn)
	return nil
}

func (d *Daemon) closeRegistry() error {
	var combined error
	if d.registry != nil {
		combined = d.registry.Close()
	}
	if d.database != nil {
		if err := d.database.Close(); err != nil {
			combined = errors.CombineErrors(combined, errors.Wrap(err, "failed to close database"))
		}
		d.database = nil
	}
	return combined
}

// defaultNotifier logs every alert and appends it to the alerts file. Over
// the configured rate, alerts are only logged.
func (d *Daemon) defaultNotifier() (watchdog.Notifier, error) {
	log := watchdog.LogNotifier{Logger: d.logger.Named("alerts")}
	file, err := watchdog.NewFileNotifier(d.Store.RootPath(AlertsFile))
	if err != nil {
		return nil, err
	}
	return watchdog.NewRateLimitedNotifier(
		watchdog.MultiNotifier{log, file},
		log,
		d.cfg.Watchdog.AlertsPerMinute,
	), nil
}

// Start launches the loops, the spool watcher, the config watcher and the
// status server. Each loop also runs once immediately.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning() {
		return errors.New("daemon already running")
	}

	if d.Server != nil {
		if err := d.Server.Start(); err != nil {
			return err
		}
	}

	for _, l := range d.loops() {
		l.Start(ctx)
		l.Trigger()
	}

	if d.cfg.Admission.Watch {
		w, err := admission.NewSpoolWatcher(d.Store, func(string) { d.admitLoop.Trigger() }, d.logger.Named("spool"))
		if err != nil {
			d.logger.Warnw("Spool watcher unavailable, relying on interval scans", logger.FieldError, err)
		} else {
			d.spoolWatcher = w
			w.Start()
		}
	}

	if d.opts.configPath != "" {
		cw, err := am.NewConfigWatcher(d.opts.configPath, d.logger.Named("am"))
		if err != nil {
			d.logger.Warnw("Config hot reload unavailable", logger.FieldPath, d.opts.configPath, logger.FieldError, err)
		} else {
			cw.OnReload(d.applyConfig)
			d.configWatcher = cw
			cw.Start()
		}
	}

	d.stateMu.Lock()
	d.running = true
	d.startedAt = d.clock.Now()
	d.stateMu.Unlock()
	logger.PulseOpenInfow("Pipeline started",
		"domains", d.cfg.Domains,
		"store", d.cfg.Store.Root,
		"registry", d.cfg.Watchdog.Registry,
		"server", d.cfg.Server.Enabled)
	return nil
}

// Stop halts the watchers and loops, waits for in-flight runs to return,
// then shuts the server down and closes the registry
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isRunning() {
		return d.closeRegistry()
	}

	var combined error
	if d.configWatcher != nil {
		if err := d.configWatcher.Stop(); err != nil {
			combined = errors.CombineErrors(combined, err)
		}
		d.configWatcher = nil
	}
	if d.spoolWatcher != nil {
		if err := d.spoolWatcher.Stop(); err != nil {
			combined = errors.CombineErrors(combined, err)
		}
		d.spoolWatcher = nil
	}
	for _, l := range d.loops() {
		l.Stop()
	}
	if d.Server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.Server.Stop(ctx); err != nil {
			combined = errors.CombineErrors(combined, err)
		}
		cancel()
	}
	if err := d.closeRegistry(); err != nil {
		combined = errors.CombineErrors(combined, err)
	}

	d.stateMu.Lock()
	d.running = false
	uptime := d.clock.Now().Sub(d.startedAt)
	d.stateMu.Unlock()
	logger.PulseCloseInfow("Pipeline stopped", "uptime", uptime.Round(time.Second).String())
	return combined
}

func (d *Daemon) isRunning() bool {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.running
}

// applyConfig hot-applies the settings that can change without a restart
func (d *Daemon) applyConfig(cfg *am.Config) error {
	d.Engine.SetRunDisabled(cfg.Engine.RunDisabled)
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	d.logger.Infow("Configuration reloaded",
		"run_disabled", cfg.Engine.RunDisabled,
		"log_level", cfg.Log.Level)
	return nil
}

// Config returns the configuration the daemon was built from
func (d *Daemon) Config() *am.Config { return d.cfg }

func (d *Daemon) loops() []*pulse.Loop {
	return []*pulse.Loop{d.admitLoop, d.engineLoop, d.sweepLoop, d.trackerLoop}
}

// Health aggregates the health surface of every component
type Health struct {
	Running   bool              `json:"running"`
	StartedAt time.Time         `json:"startedAt"`
	Admission admission.Health  `json:"admission"`
	Engine    engine.Health     `json:"engine"`
	Watchdog  WatchdogHealth    `json:"watchdog"`
	Lifecycle LifecycleHealth   `json:"lifecycle"`
	Loops     []pulse.LoopStats `json:"loops"`
}

// WatchdogHealth is the watchdog's part of Health
type WatchdogHealth struct {
	LastSweep time.Time `json:"lastSweep"`
	Inflight  int       `json:"inflight"`
}

// LifecycleHealth is the tracker's part of Health
type LifecycleHealth struct {
	LastRefresh time.Time `json:"lastRefresh"`
}

// Health returns the aggregated component health
func (d *Daemon) Health() Health {
	d.stateMu.RLock()
	running, startedAt := d.running, d.startedAt
	d.stateMu.RUnlock()

	h := Health{
		Running:   running,
		StartedAt: startedAt,
		Admission: d.Validator.Health(),
		Engine:    d.Engine.Health(),
		Watchdog: WatchdogHealth{
			LastSweep: d.Watchdog.LastSweep(),
			Inflight:  d.Handoff.Inflight(),
		},
		Lifecycle: LifecycleHealth{LastRefresh: d.Tracker.LastRefresh()},
	}
	for _, l := range d.loops() {
		h.Loops = append(h.Loops, l.Stats())
	}
	return h
}

// queueTrigger wakes a loop whenever admission promotes into the queue
type queueTrigger struct {
	loop *pulse.Loop
}

func (q queueTrigger) OnAdmitted(_ context.Context, _, _ string, target store.Area) {
	if target == store.Queue {
		q.loop.Trigger()
	}
}
