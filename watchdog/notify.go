package watchdog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/logger"
)

// EscalationCommand is the alert command name used for exhausted retries
const EscalationCommand = "watchdog-escalation"

// Alert is what the notification sink receives on escalation. It carries
// everything needed for manual remediation.
type Alert struct {
	Command   string    `json:"command"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	UUID      string    `json:"uuid"`
	Checksum  string    `json:"checksum"`
	Payload   string    `json:"payload"`
	Attempts  []Attempt `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is the abstract alert sink. Chat and webhook delivery live
// outside this module behind this interface.
type Notifier interface {
	SendAlert(ctx context.Context, alert Alert) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, alert Alert) error

// SendAlert calls f
func (f NotifierFunc) SendAlert(ctx context.Context, alert Alert) error { return f(ctx, alert) }

// LogNotifier records alerts in the log
type LogNotifier struct {
	Logger *zap.SugaredLogger
}

// SendAlert implements Notifier
func (n LogNotifier) SendAlert(_ context.Context, alert Alert) error {
	n.Logger.Errorw(alert.Text,
		"command", alert.Command,
		logger.FieldSource, alert.Source,
		logger.FieldUUID, alert.UUID,
		logger.FieldAttempt, len(alert.Attempts))
	return nil
}

// FileNotifier appends alerts as JSON lines to a file
type FileNotifier struct {
	path string
	mu   sync.Mutex
}

// NewFileNotifier creates the parent directory of path
func NewFileNotifier(path string) (*FileNotifier, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create alert directory for %s", path)
	}
	return &FileNotifier{path: path}, nil
}

// SendAlert implements Notifier
func (n *FileNotifier) SendAlert(_ context.Context, alert Alert) error {
	line, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to encode alert")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	f, err := os.OpenFile(n.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", n.path)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrapf(err, "failed to append alert to %s", n.path)
	}
	return nil
}

// MultiNotifier sends to every notifier and combines their errors
type MultiNotifier []Notifier

// SendAlert implements Notifier
func (m MultiNotifier) SendAlert(ctx context.Context, alert Alert) error {
	var combined error
	for _, n := range m {
		if err := n.SendAlert(ctx, alert); err != nil {
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}

// RateLimitedNotifier throttles alerts to Next. Alerts over the limit go to
// Fallback instead so none is lost.
type RateLimitedNotifier struct {
	Next     Notifier
	Fallback Notifier
	limiter  *rate.Limiter
}

// NewRateLimitedNotifier allows perMinute alerts per minute with a burst of
// the same size. Zero or less means unlimited.
func NewRateLimitedNotifier(next, fallback Notifier, perMinute int) *RateLimitedNotifier {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &RateLimitedNotifier{
		Next:     next,
		Fallback: fallback,
		limiter:  limiter,
	}
}

// SendAlert implements Notifier
func (r *RateLimitedNotifier) SendAlert(ctx context.Context, alert Alert) error {
	if r.limiter.Allow() {
		return r.Next.SendAlert(ctx, alert)
	}
	if r.Fallback == nil {
		return errors.Newf("alert for %s dropped by rate limit", alert.UUID)
	}
	return r.Fallback.SendAlert(ctx, alert)
}
