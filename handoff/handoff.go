// Package handoff connects producers to the spool through the watchdog.
// The watchdog tracks the producer-to-spool hand-off; the engine tracks
// what happens after admission. A submission is confirmed once admission
// has consumed the file, whether it was queued or rejected.
package handoff

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/store"
	"github.com/teranos/patchspool/watchdog"
)

// Handoff writes submissions into the spool and reports their fate to the
// watchdog. It implements watchdog.Redeliverer and admission.Observer.
type Handoff struct {
	store    *store.Store
	watchdog *watchdog.Watchdog
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]string // source -> registration uuid
}

// New creates a Handoff and registers it as the watchdog's redeliverer
func New(st *store.Store, wd *watchdog.Watchdog, log *zap.SugaredLogger) *Handoff {
	h := &Handoff{
		store:    st,
		watchdog: wd,
		logger:   log,
		inflight: make(map[string]string),
	}
	wd.SetRedeliverer(h)
	return h
}

// Source is the registration source for a spool entry
func Source(domain, name string) string {
	return domain + "/" + name
}

// Submit registers the payload with the watchdog and writes it into the
// domain's spool. A failed write is reported to the watchdog, which
// schedules a retry; the registration id is returned either way.
func (h *Handoff) Submit(ctx context.Context, domain, name string, payload []byte) (string, error) {
	if !h.store.HasDomain(domain) {
		return "", errors.NewInvalidRequestError("unknown domain %q", domain)
	}
	if _, err := h.store.Path(domain, store.Spool, name); err != nil {
		return "", err
	}

	source := Source(domain, name)
	h.mu.Lock()
	existing, ok := h.inflight[source]
	h.mu.Unlock()
	if ok {
		// an escalated registration no longer blocks resubmission
		if reg, err := h.watchdog.Get(ctx, existing); err != nil || !reg.Terminal() {
			return "", errors.WithDetailf(
				errors.Wrapf(errors.ErrConflict, "%s is already awaiting delivery", source),
				"registration: %s", existing)
		}
	}

	id, err := h.watchdog.Register(ctx, payload, source)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.inflight[source] = id
	h.mu.Unlock()

	log := h.logger.With(logger.FieldUUID, id, logger.FieldSource, source)
	if _, err := h.store.WriteFile(domain, store.Spool, name, payload); err != nil {
		log.Warnw("Spool write failed", logger.FieldError, err)
		if merr := h.watchdog.MarkFailed(ctx, id, err.Error(), string(store.Spool)); merr != nil {
			return id, errors.CombineErrors(err, merr)
		}
		return id, nil
	}
	log.Infow("Patch handed off to spool")
	return id, nil
}

// Redeliver implements watchdog.Redeliverer by writing the payload into the
// spool again. The record may already be past the spool, in which case the
// hand-off is confirmed instead of duplicated.
func (h *Handoff) Redeliver(ctx context.Context, reg *watchdog.Registration) (string, error) {
	domain, name, ok := strings.Cut(reg.Source, "/")
	if !ok {
		return "", errors.Newf("registration source %q is not domain/name", reg.Source)
	}
	if area, err := h.store.Locate(domain, name); err == nil && area != store.Spool {
		h.mu.Lock()
		delete(h.inflight, reg.Source)
		h.mu.Unlock()
		if err := h.watchdog.ConfirmDelivery(ctx, reg.UUID, string(area)); err != nil && !errors.Is(err, errors.ErrTerminal) {
			return string(area), err
		}
		return string(area), nil
	}
	if _, err := h.store.WriteFile(domain, store.Spool, name, reg.Payload); err != nil {
		return string(store.Spool), err
	}
	h.mu.Lock()
	h.inflight[reg.Source] = reg.UUID
	h.mu.Unlock()
	return string(store.Spool), nil
}

// OnAdmitted implements admission.Observer. Entries not submitted through
// this Handoff are ignored.
func (h *Handoff) OnAdmitted(ctx context.Context, domain, name string, target store.Area) {
	source := Source(domain, name)
	h.mu.Lock()
	id, ok := h.inflight[source]
	if ok {
		delete(h.inflight, source)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := h.watchdog.ConfirmDelivery(ctx, id, string(target)); err != nil {
		if errors.Is(err, errors.ErrTerminal) {
			h.logger.Debugw("Hand-off already terminal", logger.FieldUUID, id)
			return
		}
		h.logger.Errorw("Failed to confirm delivery",
			logger.FieldUUID, id,
			logger.FieldSource, source,
			logger.FieldError, err)
	}
}

// Inflight returns the number of submissions awaiting admission
func (h *Handoff) Inflight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight)
}

// Recover rebuilds the in-flight table from pending registrations, so
// hand-offs persisted by the sqlite registry are confirmed after a restart
func (h *Handoff) Recover(pending []*watchdog.Registration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, reg := range pending {
		h.inflight[reg.Source] = reg.UUID
	}
}
