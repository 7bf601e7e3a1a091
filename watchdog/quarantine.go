package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/store"
)

// Quarantine durably keeps a failed delivery's payload with its error
type Quarantine interface {
	Put(ctx context.Context, reg *Registration, errMsg string) (string, error)
}

// QuarantineEntry is the document written per failed attempt
type QuarantineEntry struct {
	UUID        string    `json:"uuid"`
	Source      string    `json:"source"`
	Checksum    string    `json:"checksum"`
	RetryCount  int       `json:"retryCount"`
	Error       string    `json:"error"`
	Payload     string    `json:"payload"`
	Attempts    []Attempt `json:"attempts"`
	Quarantined time.Time `json:"quarantinedAt"`
}

// FileQuarantine writes <uuid>-<retry>.json files into a directory
type FileQuarantine struct {
	dir string
	now func() time.Time
}

// NewFileQuarantine creates dir if needed
func NewFileQuarantine(dir string, now func() time.Time) (*FileQuarantine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create quarantine %s", dir)
	}
	if now == nil {
		now = time.Now
	}
	return &FileQuarantine{dir: dir, now: now}, nil
}

// Put implements Quarantine
func (q *FileQuarantine) Put(_ context.Context, reg *Registration, errMsg string) (string, error) {
	entry := QuarantineEntry{
		UUID:        reg.UUID,
		Source:      reg.Source,
		Checksum:    reg.Checksum,
		RetryCount:  reg.RetryCount,
		Error:       errMsg,
		Payload:     string(reg.Payload),
		Attempts:    reg.Attempts,
		Quarantined: q.now(),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to encode quarantine entry")
	}
	path := filepath.Join(q.dir, fmt.Sprintf("%s-%d.json", reg.UUID, reg.RetryCount))
	if err := store.WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}
