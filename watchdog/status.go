package watchdog

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/store"
)

// ActivePatch is a pending registration as shown in the status snapshot
type ActivePatch struct {
	UUID         string    `json:"uuid"`
	Source       string    `json:"source"`
	RegisteredAt time.Time `json:"registeredAt"`
	RetryCount   int       `json:"retryCount"`
	NextRetryAt  time.Time `json:"nextRetryAt,omitempty"`
}

// Snapshot is the aggregate status published after every mutation
type Snapshot struct {
	TotalPatches     int           `json:"totalPatches"`
	DeliveredPatches int           `json:"deliveredPatches"`
	FailedPatches    int           `json:"failedPatches"`
	RetriedPatches   int           `json:"retriedPatches"`
	EscalatedPatches int           `json:"escalatedPatches"`
	Uptime           int64         `json:"uptime"` // seconds
	ActivePatches    []ActivePatch `json:"activePatches"`
	GeneratedAt      time.Time     `json:"generatedAt"`
}

// Publisher receives every snapshot. Implementations must not block.
type Publisher interface {
	Publish(s Snapshot)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(s Snapshot)

// Publish calls f
func (f PublisherFunc) Publish(s Snapshot) { f(s) }

// StatusFilePublisher writes each snapshot to a JSON file for dashboards
type StatusFilePublisher struct {
	Path   string
	Logger *zap.SugaredLogger
}

// Publish implements Publisher. Write failures are logged.
func (p StatusFilePublisher) Publish(s Snapshot) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err == nil {
		err = store.WriteFileAtomic(p.Path, data)
	}
	if err != nil {
		p.Logger.Warnw("Failed to write watchdog status", logger.FieldPath, p.Path, logger.FieldError, err)
	}
}

// summarize derives a snapshot from the full registration list
func summarize(regs []*Registration, uptime time.Duration, now time.Time) Snapshot {
	s := Snapshot{
		TotalPatches:  len(regs),
		Uptime:        int64(uptime.Seconds()),
		ActivePatches: []ActivePatch{},
		GeneratedAt:   now,
	}
	for _, r := range regs {
		switch r.Status {
		case StatusDelivered:
			s.DeliveredPatches++
		case StatusFailed:
			s.FailedPatches++
		case StatusPending:
			s.ActivePatches = append(s.ActivePatches, ActivePatch{
				UUID:         r.UUID,
				Source:       r.Source,
				RegisteredAt: r.RegisteredAt,
				RetryCount:   r.RetryCount,
				NextRetryAt:  r.NextRetryAt,
			})
		}
		if r.RetryCount > 0 {
			s.RetriedPatches++
		}
		if r.Escalated {
			s.EscalatedPatches++
		}
	}
	return s
}
