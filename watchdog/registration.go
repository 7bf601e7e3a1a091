// Package watchdog tracks hand-offs by registration id, detects delivery
// timeouts, schedules bounded retries, quarantines failed payloads and
// escalates once retries are exhausted.
package watchdog

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the state of a registration
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Attempt statuses
const (
	AttemptFailed    = "FAILED"
	AttemptRetried   = "RETRIED"
	AttemptDelivered = "DELIVERED"
)

// TimeoutError is the error recorded when a registration times out
const TimeoutError = "TIMEOUT"

// Attempt is one entry of a registration's delivery history
type Attempt struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Target    string    `json:"target,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Registration is one tracked hand-off
type Registration struct {
	UUID         string    `json:"uuid"`
	Source       string    `json:"source"`
	Payload      []byte    `json:"-"`
	Checksum     string    `json:"checksum"`
	Status       Status    `json:"status"`
	RetryCount   int       `json:"retryCount"`
	Escalated    bool      `json:"escalated"`
	RegisteredAt time.Time `json:"registeredAt"`
	NextRetryAt  time.Time `json:"nextRetryAt,omitempty"` // zero when no retry is scheduled
	UpdatedAt    time.Time `json:"updatedAt"`
	Attempts     []Attempt `json:"deliveryAttempts"`
}

// Terminal reports whether the registration can no longer change
func (r *Registration) Terminal() bool {
	return r.Status == StatusDelivered || r.Status == StatusFailed
}

// RetryScheduled reports whether a retry is waiting to be performed
func (r *Registration) RetryScheduled() bool {
	return !r.NextRetryAt.IsZero()
}

// LastActivity is the later of the registration time and the last attempt.
// Timeouts are measured from it.
func (r *Registration) LastActivity() time.Time {
	last := r.RegisteredAt
	if n := len(r.Attempts); n > 0 && r.Attempts[n-1].Timestamp.After(last) {
		last = r.Attempts[n-1].Timestamp
	}
	return last
}

// Clone returns a deep copy
func (r *Registration) Clone() *Registration {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	c.Attempts = append([]Attempt(nil), r.Attempts...)
	return &c
}

// Checksum returns the hex sha256 of a payload
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
