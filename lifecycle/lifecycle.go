// Package lifecycle reconciles terminal patch records with the summaries the
// engine wrote for them. It never modifies the record store; every report is
// recomputed from what is on disk.
package lifecycle

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/internal/util"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/patch"
	"github.com/teranos/patchspool/pulse"
	"github.com/teranos/patchspool/store"
)

// Status is the lifecycle state derived for one record
type Status string

const (
	StatusDelivered       Status = "DELIVERED"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusExecutedSuccess Status = "EXECUTED_SUCCESS"
	StatusExecutedFailed  Status = "EXECUTED_FAILED"
)

// DefaultRecentLimit is used when the tracker is created with a limit below 1
const DefaultRecentLimit = 20

const summaryExt = ".md"

// View is the derived lifecycle of one terminal record
type View struct {
	PatchID         string     `json:"patchId"`
	Name            string     `json:"name"`
	Area            store.Area `json:"area"`
	DeliveryTime    time.Time  `json:"deliveryTime"`
	ExecutionTime   *time.Time `json:"executionTime,omitempty"`
	CompletionTime  *time.Time `json:"completionTime,omitempty"`
	Status          Status     `json:"status"`
	DurationSeconds *float64   `json:"durationSeconds,omitempty"`
}

// Report is the reconciliation of one domain
type Report struct {
	Domain          string    `json:"domain"`
	GeneratedAt     time.Time `json:"generatedAt"`
	TotalPatches    int       `json:"totalPatches"`
	TotalSummaries  int       `json:"totalSummaries"`
	FailedPatches   int       `json:"failedPatches"`
	ExecutedSuccess int       `json:"executedSuccess"`
	ExecutedFailed  int       `json:"executedFailed"`
	InProgress      int       `json:"inProgress"`
	Delivered       int       `json:"delivered"`
	SuccessRate     float64   `json:"successRate"`
	RecentPatches   []View    `json:"recentPatches"`
}

// Tracker computes lifecycle reports and keeps the latest one per domain
type Tracker struct {
	store  *store.Store
	limit  int
	clock  pulse.Clock
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	cache       map[string]*Report
	lastRefresh time.Time
}

// New creates a tracker listing at most limit recent records per report
func New(st *store.Store, limit int, clock pulse.Clock, log *zap.SugaredLogger) *Tracker {
	if limit < 1 {
		limit = DefaultRecentLimit
	}
	if clock == nil {
		clock = pulse.RealClock{}
	}
	return &Tracker{
		store:  st,
		limit:  limit,
		clock:  clock,
		logger: log,
		cache:  make(map[string]*Report),
	}
}

// Report reconciles completed and failed records of a domain with their
// summaries. Totals cover every terminal record; RecentPatches holds the
// most recently modified ones, newest first.
func (t *Tracker) Report(ctx context.Context, domain string) (*Report, error) {
	if !t.store.HasDomain(domain) {
		return nil, errors.NewInvalidRequestError("unknown domain %q", domain)
	}

	completed, err := t.store.List(domain, store.Completed)
	if err != nil {
		return nil, err
	}
	failed, err := t.store.List(domain, store.Failed)
	if err != nil {
		return nil, err
	}
	summaries, err := t.store.List(domain, store.Summaries)
	if err != nil {
		return nil, err
	}

	index := make(map[string]store.Entry, len(summaries))
	for _, s := range summaries {
		if filepath.Ext(s.Name) == summaryExt {
			index[s.Name] = s
		}
	}

	records := make([]store.Entry, 0, len(completed)+len(failed))
	records = append(records, completed...)
	records = append(records, failed...)
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].ModTime.Equal(records[j].ModTime) {
			return records[i].ModTime.After(records[j].ModTime)
		}
		return records[i].Name > records[j].Name
	})

	rep := &Report{
		Domain:         domain,
		GeneratedAt:    t.clock.Now(),
		TotalPatches:   len(records),
		TotalSummaries: len(index),
		FailedPatches:  len(failed),
		RecentPatches:  make([]View, 0, min(len(records), t.limit)),
	}

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := t.view(rec, index)
		if err != nil {
			return nil, err
		}
		switch v.Status {
		case StatusExecutedSuccess:
			rep.ExecutedSuccess++
		case StatusExecutedFailed:
			rep.ExecutedFailed++
		case StatusInProgress:
			rep.InProgress++
		default:
			rep.Delivered++
		}
		if i < t.limit {
			rep.RecentPatches = append(rep.RecentPatches, v)
		}
	}

	if executed := rep.ExecutedSuccess + rep.ExecutedFailed; executed > 0 {
		rep.SuccessRate = float64(rep.ExecutedSuccess) / float64(executed)
	}
	return rep, nil
}

func (t *Tracker) view(rec store.Entry, index map[string]store.Entry) (View, error) {
	v := View{
		PatchID:      rec.Stem(),
		Name:         rec.Name,
		Area:         rec.Area,
		DeliveryTime: rec.ModTime,
		Status:       StatusDelivered,
	}

	summary, ok := index[store.SummaryName(rec.Stem())]
	if !ok {
		return v, nil
	}
	data, err := t.store.Read(rec.Domain, store.Summaries, summary.Name)
	if errors.IsNotFoundError(err) {
		// removed between listing and reading
		return v, nil
	}
	if err != nil {
		return v, err
	}

	info := patch.ParseSummary(string(data))
	if info.PatchID != "" {
		v.PatchID = info.PatchID
	}
	switch info.Status {
	case patch.SummarySuccess:
		v.Status = StatusExecutedSuccess
	case patch.SummaryFailed:
		v.Status = StatusExecutedFailed
	default:
		v.Status = StatusInProgress
	}
	if !info.StartedAt.IsZero() {
		v.ExecutionTime = util.Ptr(info.StartedAt)
	}
	if !info.FinishedAt.IsZero() {
		v.CompletionTime = util.Ptr(info.FinishedAt)
		v.DurationSeconds = util.Ptr(info.FinishedAt.Sub(rec.ModTime).Seconds())
	}
	return v, nil
}

// Refresh recomputes and caches the report of every domain. A failing
// domain keeps its previous cached report.
func (t *Tracker) Refresh(ctx context.Context) error {
	var combined error
	for _, domain := range t.store.Domains() {
		rep, err := t.Report(ctx, domain)
		if err != nil {
			t.logger.Warnw("Lifecycle refresh failed", logger.FieldDomain, domain, logger.FieldError, err)
			combined = errors.CombineErrors(combined, errors.Wrapf(err, "lifecycle %s", domain))
			continue
		}
		t.mu.Lock()
		t.cache[domain] = rep
		t.mu.Unlock()
		t.logger.Debugw("Lifecycle refreshed",
			logger.FieldDomain, domain,
			logger.FieldCount, rep.TotalPatches,
			"success_rate", rep.SuccessRate)
	}
	t.mu.Lock()
	t.lastRefresh = t.clock.Now()
	t.mu.Unlock()
	return combined
}

// Cached returns the last refreshed report of a domain
func (t *Tracker) Cached(domain string) (*Report, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rep, ok := t.cache[domain]
	return rep, ok
}

// LastRefresh returns when Refresh last ran
func (t *Tracker) LastRefresh() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRefresh
}
