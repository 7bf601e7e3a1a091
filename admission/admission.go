// Package admission scans each domain's spool, promotes well-formed patches
// into the queue and rejects the rest with a structured report.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/patch"
	"github.com/teranos/patchspool/pulse"
	"github.com/teranos/patchspool/store"
)

// ReportFile is the per-domain scan summary artifact in the reports area
const ReportFile = "admission.json"

// Config holds the admission limits
type Config struct {
	MaxNameLength int
	Extension     string
}

// Observer is told where each consumed spool entry ended up. Target is
// store.Queue for promotions and store.Rejected for rejections.
type Observer interface {
	OnAdmitted(ctx context.Context, domain, name string, target store.Area)
}

// ScanResult is the outcome of one scan of one domain
type ScanResult struct {
	Domain    string                  `json:"domain"`
	Promoted  []string                `json:"promoted"`
	Rejected  []patch.RejectionReport `json:"rejected"`
	Deferred  []string                `json:"deferred,omitempty"`
	NonSemver []string                `json:"nonSemver,omitempty"`
	ScannedAt time.Time               `json:"scannedAt"`
}

// Scanned is the number of spool entries consumed by the scan
func (r *ScanResult) Scanned() int {
	return len(r.Promoted) + len(r.Rejected)
}

// Report is the artifact written to reports/admission.json after every scan
type Report struct {
	Domain            string                  `json:"domain"`
	ScannedAt         time.Time               `json:"scannedAt"`
	Scanned           int                     `json:"scanned"`
	Promoted          int                     `json:"promoted"`
	Rejected          int                     `json:"rejected"`
	Passed            bool                    `json:"passed"`
	NonSemverVersions int                     `json:"nonSemverVersions"`
	TotalPromoted     int64                   `json:"totalPromoted"`
	TotalRejected     int64                   `json:"totalRejected"`
	Rejections        []patch.RejectionReport `json:"rejections"`
}

// Health is the validator's minimal status surface
type Health struct {
	LastScanAt    time.Time `json:"lastScanAt"`
	Scans         int64     `json:"scans"`
	TotalPromoted int64     `json:"totalPromoted"`
	TotalRejected int64     `json:"totalRejected"`
}

// Validator runs admission for the domains of a store
type Validator struct {
	store     *store.Store
	cfg       Config
	clock     pulse.Clock
	logger    *zap.SugaredLogger
	observers []Observer

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	health Health
}

// New creates a validator
func New(st *store.Store, cfg Config, clock pulse.Clock, log *zap.SugaredLogger) *Validator {
	if clock == nil {
		clock = pulse.RealClock{}
	}
	locks := make(map[string]*sync.Mutex)
	for _, d := range st.Domains() {
		locks[d] = &sync.Mutex{}
	}
	return &Validator{
		store:  st,
		cfg:    cfg,
		clock:  clock,
		logger: log,
		locks:  locks,
	}
}

// AddObserver registers an observer for consumed entries
func (v *Validator) AddObserver(o Observer) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.observers = append(v.observers, o)
}

// Health returns a snapshot of the validator's counters
func (v *Validator) Health() Health {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.health
}

// ScanAll scans every domain concurrently. Results are returned for the
// domains that completed; infrastructure errors are combined.
func (v *Validator) ScanAll(ctx context.Context) (map[string]*ScanResult, error) {
	domains := v.store.Domains()
	results := make(map[string]*ScanResult, len(domains))

	var (
		wg       sync.WaitGroup
		resultMu sync.Mutex
		combined error
	)
	for _, domain := range domains {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			res, err := v.Scan(ctx, domain)
			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				combined = errors.CombineErrors(combined, err)
				return
			}
			results[domain] = res
		}(domain)
	}
	wg.Wait()
	return results, combined
}

// Scan admits or rejects every eligible entry in a domain's spool. Promoted
// records are stamped with increasing arrival times in listing order so the
// queue preserves it. An infrastructure error aborts the scan for the domain;
// entries not yet handled stay in the spool for the next scan.
func (v *Validator) Scan(ctx context.Context, domain string) (*ScanResult, error) {
	lock, ok := v.locks[domain]
	if !ok {
		return nil, errors.NewInvalidRequestError("unknown domain %q", domain)
	}
	lock.Lock()
	defer lock.Unlock()

	log := v.logger.With(logger.FieldDomain, domain)
	scanStart := v.clock.Now()
	result := &ScanResult{
		Domain:    domain,
		Promoted:  []string{},
		Rejected:  []patch.RejectionReport{},
		ScannedAt: scanStart,
	}

	entries, err := v.store.List(domain, store.Spool)
	if err != nil {
		return nil, errors.Wrapf(err, "admission scan of %s", domain)
	}

	var scanErr error
	for i, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		arrival := scanStart.Add(time.Duration(i) * time.Millisecond)
		if err := v.admit(ctx, log, entry, arrival, result); err != nil {
			scanErr = err
			break
		}
	}

	if err := v.writeReport(domain, result); err != nil {
		log.Errorw("Failed to write admission report", logger.FieldError, err)
		scanErr = errors.CombineErrors(scanErr, err)
	}

	v.mu.Lock()
	v.health.LastScanAt = scanStart
	v.health.Scans++
	v.health.TotalPromoted += int64(len(result.Promoted))
	v.health.TotalRejected += int64(len(result.Rejected))
	v.mu.Unlock()

	if result.Scanned() > 0 {
		log.Infow("Admission scan complete",
			logger.FieldPromoted, len(result.Promoted),
			logger.FieldRejected, len(result.Rejected))
	}

	if scanErr != nil {
		return result, errors.Wrapf(scanErr, "admission scan of %s aborted", domain)
	}
	return result, nil
}

// admit handles one spool entry. It returns an error only for
// infrastructure failures.
func (v *Validator) admit(ctx context.Context, log *zap.SugaredLogger, entry store.Entry, arrival time.Time, result *ScanResult) error {
	domain := entry.Domain
	name := entry.Name
	patchID, rejection, raw := v.check(entry)

	if rejection == nil {
		err := v.store.RelocateAt(domain, store.Spool, store.Queue, name, arrival)
		if errors.Is(err, errors.ErrConflict) {
			// same name still queued; retry on a later scan
			log.Warnw("Queue already holds a record with this name, deferring",
				logger.FieldFile, name, logger.FieldPatchID, patchID)
			result.Deferred = append(result.Deferred, name)
			return nil
		}
		if errors.IsNotFoundError(err) {
			log.Debugw("Spool entry vanished during scan", logger.FieldFile, name)
			return nil
		}
		if err != nil {
			return err
		}
		result.Promoted = append(result.Promoted, patchID)
		if version := versionOf(raw); version != "" {
			if _, err := semver.NewVersion(version); err != nil {
				result.NonSemver = append(result.NonSemver, patchID)
				log.Warnw("Patch version is not semver",
					logger.FieldPatchID, patchID, "version", version)
			}
		}
		log.Debugw("Patch promoted", logger.FieldPatchID, patchID, logger.FieldFile, name)
		v.notify(ctx, domain, name, store.Queue)
		return nil
	}

	rejection.Domain = domain
	rejection.Timestamp = v.clock.Now()
	target := name
	if _, err := v.store.Stat(domain, store.Rejected, name); err == nil {
		target = store.BoundedName(fmt.Sprintf("%s-%d", store.Stem(name), arrival.UnixNano()), filepath.Ext(name))
	}
	if _, err := v.store.WriteJSON(domain, store.Rejected, store.RejectionReportName(target), rejection); err != nil {
		return err
	}
	if err := v.store.RelocateAs(domain, store.Spool, store.Rejected, name, target); err != nil {
		if errors.IsNotFoundError(err) {
			return nil
		}
		return err
	}

	result.Rejected = append(result.Rejected, *rejection)
	log.Warnw("Patch rejected",
		logger.FieldFile, name,
		logger.FieldPatchID, rejection.PatchID,
		logger.FieldReasonCode, rejection.ReasonCode,
		"message", rejection.Message)
	v.notify(ctx, domain, name, store.Rejected)
	return nil
}

// check applies the admission rules in order. A nil rejection means the
// entry is valid; raw holds the parsed document when parsing got that far.
func (v *Validator) check(entry store.Entry) (patchID string, rejection *patch.RejectionReport, raw map[string]interface{}) {
	name := entry.Name
	stem := store.Stem(name)
	reject := func(code patch.ReasonCode, id, original, format string, args ...interface{}) *patch.RejectionReport {
		return &patch.RejectionReport{
			PatchID:         id,
			SourceName:      name,
			ReasonCode:      code,
			Message:         fmt.Sprintf(format, args...),
			OriginalPayload: original,
		}
	}

	if n := utf8.RuneCountInString(name); n > v.cfg.MaxNameLength {
		return "", reject(patch.ReasonFilenameTooLong, stem, "",
			"name is %d characters, limit is %d", n, v.cfg.MaxNameLength), nil
	}
	if ext := filepath.Ext(name); !strings.EqualFold(ext, v.cfg.Extension) {
		return "", reject(patch.ReasonInvalidExtension, stem, "",
			"extension %q is not allowed, expected %q", ext, v.cfg.Extension), nil
	}

	data, err := v.store.Read(entry.Domain, store.Spool, name)
	if err != nil {
		return "", reject(patch.ReasonUnreadable, stem, "", "cannot read file: %v", err), nil
	}
	if len(data) == 0 {
		return "", reject(patch.ReasonEmpty, stem, "", "file is empty"), nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", reject(patch.ReasonMalformedPayload, stem, string(data), "payload is not a JSON object: %v", err), nil
	}

	id := stem
	if s, ok := doc["id"].(string); ok && s != "" {
		id = s
	}
	if ferr := patch.CheckRequired(doc); ferr != nil {
		return "", reject(patch.ReasonSchemaViolation, id, string(data), "%s", ferr.Error()), doc
	}
	return id, nil, doc
}

func (v *Validator) notify(ctx context.Context, domain, name string, target store.Area) {
	v.mu.Lock()
	observers := append([]Observer(nil), v.observers...)
	v.mu.Unlock()
	for _, o := range observers {
		o.OnAdmitted(ctx, domain, name, target)
	}
}

func (v *Validator) writeReport(domain string, result *ScanResult) error {
	v.mu.Lock()
	totalPromoted := v.health.TotalPromoted + int64(len(result.Promoted))
	totalRejected := v.health.TotalRejected + int64(len(result.Rejected))
	v.mu.Unlock()

	report := Report{
		Domain:            domain,
		ScannedAt:         result.ScannedAt,
		Scanned:           result.Scanned(),
		Promoted:          len(result.Promoted),
		Rejected:          len(result.Rejected),
		Passed:            len(result.Rejected) == 0,
		NonSemverVersions: len(result.NonSemver),
		TotalPromoted:     totalPromoted,
		TotalRejected:     totalRejected,
		Rejections:        result.Rejected,
	}
	_, err := v.store.WriteJSON(domain, store.Reports, ReportFile, report)
	return err
}

func versionOf(doc map[string]interface{}) string {
	s, _ := doc["version"].(string)
	return s
}
