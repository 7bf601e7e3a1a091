// Package engine executes queued patches. Each domain's queue is drained in
// arrival order, one patch at a time, through a fixed stage pipeline; the
// record is relocated to completed or failed only after its work is done.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/patch"
	"github.com/teranos/patchspool/pulse"
	"github.com/teranos/patchspool/store"
)

// Config holds the engine settings
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration // 0 disables the heartbeat
	CommandTimeout    time.Duration // 0 means commands run unbounded
	RunDisabled       bool
	Workspaces        map[string]string // domain -> directory mutations apply to
}

// Outcome is where a patch ended up after an execution attempt
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeSkipped     Outcome = "skipped"     // disabled by default, left queued
	OutcomeInterrupted Outcome = "interrupted" // shutdown between stages, left queued
)

// Heartbeat is the liveness artifact written at the store root
type Heartbeat struct {
	Timestamp      time.Time      `json:"timestamp"`
	Status         string         `json:"status"`
	QueueStats     map[string]int `json:"queue_stats"`
	PollIntervalMS int64          `json:"poll_interval_ms"`
}

// Health is the engine's minimal status surface
type Health struct {
	InCycle         bool      `json:"inCycle"`
	LastCycleAt     time.Time `json:"lastCycleAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	Cycles          int64     `json:"cycles"`
	Processed       int64     `json:"processed"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	Skipped         int64     `json:"skipped"`
}

// DomainCycle summarises one pass over a domain's queue
type DomainCycle struct {
	Domain      string
	Results     []*patch.ExecutionResult
	Skipped     []string
	Interrupted string
}

// Engine drains domain queues
type Engine struct {
	store     *store.Store
	cfg       Config
	runner    CommandRunner
	finalizer Finalizer
	clock     pulse.Clock
	progress  pulse.ProgressEmitter
	logger    *zap.SugaredLogger

	runDisabled atomic.Bool
	locks       map[string]*sync.Mutex

	mu            sync.Mutex
	health        Health
	lastHeartbeat time.Time
}

// Option customises an Engine
type Option func(*Engine)

// WithClock sets the clock used for timestamps and heartbeat debouncing
func WithClock(c pulse.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithFinalizer replaces the go-git finalizer
func WithFinalizer(f Finalizer) Option { return func(e *Engine) { e.finalizer = f } }

// WithProgress sets the progress emitter
func WithProgress(p pulse.ProgressEmitter) Option { return func(e *Engine) { e.progress = p } }

// New creates an engine for every domain of st
func New(st *store.Store, cfg Config, runner CommandRunner, log *zap.SugaredLogger, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		cfg:       cfg,
		runner:    runner,
		finalizer: GitFinalizer{AuthorName: "patchspool", AuthorEmail: "patchspool@localhost"},
		clock:     pulse.RealClock{},
		progress:  pulse.NopEmitter{},
		logger:    log,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, d := range st.Domains() {
		e.locks[d] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.runDisabled.Store(cfg.RunDisabled)
	return e
}

// SetRunDisabled toggles the override that lets disabled-by-default patches run
func (e *Engine) SetRunDisabled(v bool) {
	e.runDisabled.Store(v)
}

// Health returns a snapshot of the engine's counters
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// RunCycle drains every domain's queue once, domains concurrently, then
// writes a heartbeat if one is due. Cancelling ctx stops the cycle between
// stages; the stage in progress always finishes.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.health.InCycle = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.health.InCycle = false
		e.health.LastCycleAt = e.clock.Now()
		e.health.Cycles++
		e.mu.Unlock()
	}()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		combined error
	)
	for _, domain := range e.store.Domains() {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			if _, err := e.RunDomain(ctx, domain); err != nil {
				errMu.Lock()
				combined = errors.CombineErrors(combined, err)
				errMu.Unlock()
			}
		}(domain)
	}
	wg.Wait()

	if err := e.maybeHeartbeat(); err != nil {
		e.logger.Errorw("Failed to write heartbeat", logger.FieldError, err)
		combined = errors.CombineErrors(combined, err)
	}
	return combined
}

// RunDomain processes one domain's queue in arrival order. If another pass
// over the same domain is already running, it returns immediately.
func (e *Engine) RunDomain(ctx context.Context, domain string) (*DomainCycle, error) {
	lock, ok := e.locks[domain]
	if !ok {
		return nil, errors.NewInvalidRequestError("unknown domain %q", domain)
	}
	log := e.logger.With(logger.FieldDomain, domain)
	if !lock.TryLock() {
		log.Debugw("Domain already being processed, skipping")
		return &DomainCycle{Domain: domain}, nil
	}
	defer lock.Unlock()

	entries, err := e.store.List(domain, store.Queue)
	if err != nil {
		log.Errorw("Failed to list queue", logger.FieldError, err)
		return nil, errors.Wrapf(err, "engine cycle for %s", domain)
	}

	cycle := &DomainCycle{Domain: domain}
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		res, outcome, err := e.Execute(ctx, entry)
		if err != nil {
			log.Errorw("Aborting domain cycle", logger.FieldFile, entry.Name, logger.FieldError, err)
			return cycle, errors.Wrapf(err, "engine cycle for %s", domain)
		}
		switch outcome {
		case OutcomeSkipped:
			cycle.Skipped = append(cycle.Skipped, entry.Name)
		case OutcomeInterrupted:
			cycle.Interrupted = entry.Name
			return cycle, nil
		default:
			cycle.Results = append(cycle.Results, res)
		}
	}
	return cycle, nil
}

// Execute runs one queued record through the stage pipeline and relocates
// it. The returned error is an infrastructure failure; the record is then
// still in the queue.
func (e *Engine) Execute(ctx context.Context, entry store.Entry) (*patch.ExecutionResult, Outcome, error) {
	domain := entry.Domain
	data, err := e.store.Read(domain, store.Queue, entry.Name)
	if err != nil {
		return nil, "", err
	}

	res := &patch.ExecutionResult{
		PatchID:    store.Stem(entry.Name),
		Domain:     domain,
		SourceName: entry.Name,
		StagesRun:  []string{},
		StartedAt:  e.clock.Now(),
	}
	ctx = logger.WithDomain(ctx, domain)
	log := logger.FromContext(ctx, e.logger).With(logger.FieldFile, entry.Name)

	payload, decodeErr := patch.Decode(data)
	if decodeErr == nil {
		if payload.ID != "" {
			res.PatchID = payload.ID
		}
		ctx = logger.WithPatchID(ctx, res.PatchID)
		log = logger.FromContext(ctx, e.logger).With(logger.FieldFile, entry.Name)
		if payload.DisabledByDefault && !e.runDisabled.Load() {
			log.Infow("Patch is disabled by default, leaving it queued")
			e.progress.EmitComplete(pulse.StageEvent{
				Domain: domain, PatchID: res.PatchID, Status: "SKIPPED", Timestamp: e.clock.Now(),
			})
			e.count(func(h *Health) { h.Skipped++ })
			return nil, OutcomeSkipped, nil
		}
	}

	ws, err := e.workspace(domain)
	if err != nil {
		return nil, "", err
	}

	if decodeErr != nil {
		res.StagesRun = append(res.StagesRun, patch.StageLoad)
		res.FailedStage = patch.StageLoad
		res.Error = decodeErr.Error()
	} else {
		log.Debugw("Executing patch", logger.FieldCount, len(payload.Commands()))
		x := &execution{engine: e, payload: payload, result: res, workspace: ws, log: log}
		for _, stage := range x.stages() {
			if ctx.Err() != nil {
				log.Infow("Shutdown requested, leaving patch queued", logger.FieldStage, stage.name)
				return res, OutcomeInterrupted, nil
			}
			e.progress.EmitStage(pulse.StageEvent{
				Domain: domain, PatchID: res.PatchID, Stage: stage.name, Timestamp: e.clock.Now(),
			})
			res.StagesRun = append(res.StagesRun, stage.name)
			// commands and commits are not cut short by shutdown
			if err := stage.run(context.WithoutCancel(ctx)); err != nil {
				res.FailedStage = stage.name
				res.SucceededStage = ""
				res.Error = err.Error()
				break
			}
		}
		if res.Succeeded() {
			res.SucceededStage = res.StagesRun[len(res.StagesRun)-1]
		}
	}

	outcome, err := e.finish(entry, res, payload)
	if err != nil {
		return nil, "", err
	}

	status := "SUCCESS"
	if !res.Succeeded() {
		status = "FAILED"
		log.Warnw("Patch failed",
			logger.FieldStage, res.FailedStage,
			logger.FieldError, res.Error,
			logger.FieldDurationMS, res.Duration().Milliseconds())
	} else {
		log.Infow("Patch completed",
			"stages", res.StagesRun,
			logger.FieldDurationMS, res.Duration().Milliseconds())
	}
	e.progress.EmitComplete(pulse.StageEvent{
		Domain: domain, PatchID: res.PatchID, Stage: res.FailedStage,
		Status: status, Error: res.Error, Timestamp: res.FinishedAt,
	})
	return res, outcome, nil
}

// finish writes the result artifacts and then relocates the record. If the
// name's stem is already used by a terminal record or an artifact, the record
// is renamed with a timestamp suffix; artifacts use the final name's stem.
func (e *Engine) finish(entry store.Entry, res *patch.ExecutionResult, payload *patch.Payload) (Outcome, error) {
	domain := entry.Domain
	if res.FinishedAt.IsZero() {
		res.FinishedAt = e.clock.Now()
	}

	outcome, target := OutcomeCompleted, store.Completed
	if !res.Succeeded() {
		outcome, target = OutcomeFailed, store.Failed
	}

	finalName := entry.Name
	if e.stemTaken(domain, entry.Stem()) {
		finalName = store.BoundedName(fmt.Sprintf("%s-%d", entry.Stem(), res.FinishedAt.UnixNano()), filepath.Ext(entry.Name))
	}
	stem := store.Stem(finalName)

	description, notes := "", ""
	if payload != nil {
		description = payload.Description
		if payload.Final != nil {
			notes = payload.Final.Summary
		}
	}
	if res.SummaryText == "" {
		res.SummaryText = patch.RenderSummary(res, description, notes)
	}

	if _, err := e.store.WriteFile(domain, store.Summaries, store.SummaryName(stem), []byte(res.SummaryText)); err != nil {
		return "", err
	}
	if _, err := e.store.WriteJSON(domain, store.Results, store.ResultName(stem), res); err != nil {
		return "", err
	}
	if err := e.store.RelocateAs(domain, store.Queue, target, entry.Name, finalName); err != nil {
		return "", err
	}

	e.count(func(h *Health) {
		h.Processed++
		if outcome == OutcomeCompleted {
			h.Succeeded++
		} else {
			h.Failed++
		}
	})
	return outcome, nil
}

// stemTaken reports whether a terminal record or an artifact already uses
// stem. Summaries and results are keyed by stem alone, so a resubmitted
// record must not share one with an earlier execution.
func (e *Engine) stemTaken(domain, stem string) bool {
	for _, a := range []store.Area{store.Completed, store.Failed} {
		entries, err := e.store.List(domain, a)
		if err != nil {
			return true
		}
		for _, rec := range entries {
			if rec.Stem() == stem {
				return true
			}
		}
	}
	for _, artifact := range []struct {
		area store.Area
		name string
	}{
		{store.Summaries, store.SummaryName(stem)},
		{store.Results, store.ResultName(stem)},
	} {
		if _, err := e.store.Stat(domain, artifact.area, artifact.name); err == nil {
			return true
		}
	}
	return false
}

func (e *Engine) workspace(domain string) (string, error) {
	ws, ok := e.cfg.Workspaces[domain]
	if !ok || ws == "" {
		return "", errors.WithHint(
			errors.NewInvalidRequestError("no workspace configured for domain %q", domain),
			"set engine.workspaces."+domain)
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create workspace %s", ws)
	}
	return ws, nil
}

func (e *Engine) count(fn func(*Health)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.health)
}

// maybeHeartbeat writes the heartbeat when at least HeartbeatInterval has
// passed since the previous one
func (e *Engine) maybeHeartbeat() error {
	if e.cfg.HeartbeatInterval <= 0 {
		return nil
	}
	now := e.clock.Now()
	e.mu.Lock()
	due := e.lastHeartbeat.IsZero() || now.Sub(e.lastHeartbeat) >= e.cfg.HeartbeatInterval
	e.mu.Unlock()
	if !due {
		return nil
	}

	hb, err := e.BuildHeartbeat(now)
	if err != nil {
		return err
	}
	if _, err := e.store.WriteRootJSON(store.HeartbeatFile, hb); err != nil {
		return err
	}

	e.mu.Lock()
	e.lastHeartbeat = now
	e.health.LastHeartbeatAt = now
	e.mu.Unlock()
	e.logger.Debugw("Heartbeat written", logger.FieldDepth, hb.QueueStats["total_depth"])
	return nil
}

// BuildHeartbeat collects current queue depths
func (e *Engine) BuildHeartbeat(now time.Time) (*Heartbeat, error) {
	stats := make(map[string]int)
	total := 0
	for _, domain := range e.store.Domains() {
		n, err := e.store.Count(domain, store.Queue)
		if err != nil {
			return nil, err
		}
		stats[domain+"_depth"] = n
		total += n
	}
	stats["total_depth"] = total
	return &Heartbeat{
		Timestamp:      now,
		Status:         "running",
		QueueStats:     stats,
		PollIntervalMS: e.cfg.PollInterval.Milliseconds(),
	}, nil
}

// execution carries one patch through its stages
type execution struct {
	engine    *Engine
	payload   *patch.Payload
	result    *patch.ExecutionResult
	workspace string
	log       *zap.SugaredLogger
}

type stage struct {
	name string
	run  func(ctx context.Context) error
}

// stages lists the stages this payload declares. Finalization always runs
// since it produces the summary.
func (x *execution) stages() []stage {
	p := x.payload
	var out []stage
	if p.PreMutationValidation != nil {
		out = append(out, stage{patch.StagePreMutationValidation, func(ctx context.Context) error {
			return x.runCommands(ctx, patch.StagePreMutationValidation, p.PreMutationValidation.Shell)
		}})
	}
	if p.Mutations != nil {
		out = append(out, stage{patch.StageMutation, x.applyMutations})
	}
	if p.Mutation != nil && len(p.Mutation.Tasks) > 0 {
		out = append(out, stage{patch.StageTasks, x.runTasks})
	}
	if p.PostMutationBuild != nil {
		out = append(out, stage{patch.StagePostMutationBuild, func(ctx context.Context) error {
			return x.runCommands(ctx, patch.StagePostMutationBuild, p.PostMutationBuild.Shell)
		}})
	}
	if p.Validate != nil {
		out = append(out, stage{patch.StageValidate, func(ctx context.Context) error {
			return x.runCommands(ctx, patch.StageValidate, p.Validate.Shell)
		}})
	}
	out = append(out, stage{patch.StageFinalization, x.finalize})
	return out
}

func (x *execution) runCommands(ctx context.Context, stageName string, lines []string) error {
	for _, line := range lines {
		if err := x.runCommand(ctx, stageName, line); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) runCommand(ctx context.Context, stageName, line string) error {
	x.log.Debugw("Running command", logger.FieldStage, stageName, logger.FieldCommand, line)
	res, err := x.engine.runner.Run(ctx, Command{
		Line:    line,
		Dir:     x.workspace,
		Timeout: x.engine.cfg.CommandTimeout,
	})
	x.result.Commands = append(x.result.Commands, patch.CommandRun{Stage: stageName, Line: line, ExitCode: res.ExitCode})
	if err != nil {
		return errors.Wrapf(err, "command %q", line)
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("command %q exited with status %d", line, res.ExitCode)
		if out := strings.TrimSpace(res.Output); out != "" {
			msg += ": " + lastLines(out, 5)
		}
		x.log.Debugw("Command failed", logger.FieldCommand, line, logger.FieldExitCode, res.ExitCode)
		return errors.New(msg)
	}
	return nil
}

func (x *execution) runTasks(ctx context.Context) error {
	for _, task := range x.payload.Mutation.Tasks {
		for _, line := range task.Commands {
			if err := x.runCommand(ctx, patch.StageTasks, line); err != nil {
				return errors.Wrapf(err, "task %q", task.Name)
			}
		}
	}
	return nil
}

// applyMutations applies every declared mutation in order. A declared but
// empty list is a structural violation.
func (x *execution) applyMutations(_ context.Context) error {
	mutations := *x.payload.Mutations
	if len(mutations) == 0 {
		return errors.New("mutations declared but the list is empty")
	}
	for i, m := range mutations {
		if err := x.applyMutation(m); err != nil {
			return errors.Wrapf(err, "mutation %d (%s)", i, m.Path)
		}
	}
	return nil
}

func (x *execution) applyMutation(m patch.Mutation) error {
	kind, ok := m.Kind()
	if !ok {
		return errors.New("exactly one of content or pattern must be given")
	}
	path, err := resolveInWorkspace(x.workspace, m.Path)
	if err != nil {
		return err
	}

	switch kind {
	case patch.MutationWrite:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(err, "failed to create parent directories")
		}
		return store.WriteFileAtomic(path, []byte(*m.Content))

	case patch.MutationReplace:
		current, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return errors.Newf("target %s does not exist", m.Path)
			}
			return errors.Wrapf(err, "failed to read %s", m.Path)
		}
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return errors.Wrapf(err, "invalid pattern %q", m.Pattern)
		}
		if !re.Match(current) {
			return errors.Newf("pattern %q matched nothing in %s", m.Pattern, m.Path)
		}
		return store.WriteFileAtomic(path, re.ReplaceAll(current, []byte(m.Replacement)))
	}
	return nil
}

// finalize commits and tags when declared, then writes the summary to the
// declared legacy locations. The canonical summary is written by finish.
func (x *execution) finalize(ctx context.Context) error {
	final := x.payload.Final
	if final == nil {
		return nil
	}

	if final.Git != nil {
		message := final.Git.Commit
		if message == "" {
			message = fmt.Sprintf("Apply patch %s", x.result.PatchID)
		}
		hash, err := x.engine.finalizer.Finalize(ctx, x.workspace, message, final.Git.Tag)
		if err != nil {
			return err
		}
		x.log.Infow("Workspace committed", "commit", hash, "tag", final.Git.Tag)
	}

	legacy := final.LegacySummaryPaths()
	if len(legacy) == 0 {
		return nil
	}
	x.result.FinishedAt = x.engine.clock.Now()
	x.result.SucceededStage = patch.StageFinalization
	text := patch.RenderSummary(x.result, x.payload.Description, final.Summary)
	for _, rel := range legacy {
		path, err := resolveInWorkspace(x.workspace, rel)
		if err != nil {
			return errors.Wrap(err, "summary location")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(err, "failed to create summary directory")
		}
		if err := store.WriteFileAtomic(path, []byte(text)); err != nil {
			return err
		}
	}
	x.result.SummaryText = text
	return nil
}

// resolveInWorkspace joins rel onto ws, refusing absolute paths and paths
// that climb out of the workspace
func resolveInWorkspace(ws, rel string) (string, error) {
	if rel == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", errors.Newf("absolute path %s is not allowed", rel)
	}
	path := filepath.Join(ws, rel)
	r, err := filepath.Rel(ws, path)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", errors.Newf("path %s escapes the workspace", rel)
	}
	return path, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
