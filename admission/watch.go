package admission

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/patchspool/errors"
	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/store"
)

// SpoolWatcher fires a callback shortly after files land in any domain's
// spool, so admission does not have to wait for its next interval tick.
type SpoolWatcher struct {
	watcher  *fsnotify.Watcher
	dirs     map[string]string
	onChange func(domain string)
	debounce time.Duration
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	started bool
	done    chan struct{}
}

// NewSpoolWatcher watches the spool directory of every domain in st.
// The spool directories must already exist.
func NewSpoolWatcher(st *store.Store, onChange func(domain string), log *zap.SugaredLogger) (*SpoolWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create spool watcher")
	}

	dirs := make(map[string]string)
	for _, domain := range st.Domains() {
		dir, err := st.Dir(domain, store.Spool)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "failed to watch spool %s", dir)
		}
		dirs[filepath.Clean(dir)] = domain
	}

	return &SpoolWatcher{
		watcher:  watcher,
		dirs:     dirs,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		logger:   log,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start begins delivering events
func (w *SpoolWatcher) Start() {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.loop()
}

func (w *SpoolWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if store.IsHidden(name) || store.IsPartial(name) {
				continue
			}
			domain, ok := w.dirs[filepath.Dir(filepath.Clean(event.Name))]
			if !ok {
				continue
			}
			w.schedule(domain)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Spool watcher error", logger.FieldError, err)
		}
	}
}

// schedule coalesces a burst of events for a domain into one callback
func (w *SpoolWatcher) schedule(domain string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[domain]; ok {
		t.Stop()
	}
	w.timers[domain] = time.AfterFunc(w.debounce, func() {
		w.logger.Debugw("Spool change detected", logger.FieldDomain, domain)
		w.onChange(domain)
	})
}

// Stop closes the watcher and cancels pending callbacks
func (w *SpoolWatcher) Stop() error {
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	started := w.started
	w.mu.Unlock()
	err := w.watcher.Close()
	if started {
		<-w.done
	}
	return err
}
