package watchdog

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/patchspool/errors"
)

// DeliveryRegistry owns registration state. The watchdog serialises its own
// calls; implementations only need to be safe for concurrent readers.
type DeliveryRegistry interface {
	// Create stores a new registration
	Create(ctx context.Context, reg *Registration) error
	// Get returns a copy of a registration, or an error satisfying
	// errors.IsNotFoundError
	Get(ctx context.Context, uuid string) (*Registration, error)
	// Update persists the mutable fields of reg and appends attempt when
	// it is not nil
	Update(ctx context.Context, reg *Registration, attempt *Attempt) error
	// List returns registrations in registration order, filtered by status
	// when any are given
	List(ctx context.Context, statuses ...Status) ([]*Registration, error)
	Close() error
}

// MemoryRegistry keeps registrations for the life of the process
type MemoryRegistry struct {
	mu   sync.RWMutex
	regs map[string]*Registration
}

// NewMemoryRegistry returns an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{regs: make(map[string]*Registration)}
}

// Create implements DeliveryRegistry
func (m *MemoryRegistry) Create(_ context.Context, reg *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.regs[reg.UUID]; exists {
		return errors.Wrapf(errors.ErrConflict, "registration %s already exists", reg.UUID)
	}
	m.regs[reg.UUID] = reg.Clone()
	return nil
}

// Get implements DeliveryRegistry
func (m *MemoryRegistry) Get(_ context.Context, uuid string) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.regs[uuid]
	if !ok {
		return nil, errors.NewNotFoundError("registration %s", uuid)
	}
	return reg.Clone(), nil
}

// Update implements DeliveryRegistry
func (m *MemoryRegistry) Update(_ context.Context, reg *Registration, attempt *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.regs[reg.UUID]
	if !ok {
		return errors.NewNotFoundError("registration %s", reg.UUID)
	}
	stored.Status = reg.Status
	stored.RetryCount = reg.RetryCount
	stored.Escalated = reg.Escalated
	stored.NextRetryAt = reg.NextRetryAt
	stored.UpdatedAt = reg.UpdatedAt
	if attempt != nil {
		stored.Attempts = append(stored.Attempts, *attempt)
	}
	return nil
}

// List implements DeliveryRegistry
func (m *MemoryRegistry) List(_ context.Context, statuses ...Status) ([]*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Registration, 0, len(m.regs))
	for _, reg := range m.regs {
		if matchStatus(reg.Status, statuses) {
			out = append(out, reg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].UUID < out[j].UUID
	})
	return out, nil
}

// Close implements DeliveryRegistry
func (m *MemoryRegistry) Close() error { return nil }

func matchStatus(s Status, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
