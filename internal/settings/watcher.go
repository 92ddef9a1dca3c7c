package settings

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/SnookerTracker/internal/errors"
	"github.com/bryanchriswhite/SnookerTracker/internal/logger"
)

// DefaultDebounce collapses the burst of events an editor produces on save
const DefaultDebounce = 150 * time.Millisecond

// Watcher reloads a settings file into a Store whenever it changes on disk
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	reloads int
}

// NewWatcher creates a watcher for path. A zero debounce uses DefaultDebounce.
func NewWatcher(store *Store, path string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		store:    store,
		path:     filepath.Clean(path),
		debounce: debounce,
		log:      *logger.WithComponent("settings-watcher"),
	}
}

// Start begins watching. The parent directory is watched rather than the file
// so that editors which replace the file by rename are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return errors.ErrAlreadyStarted
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return &errors.ConfigError{Op: errors.OpWatch, Path: w.path, Err: err}
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return &errors.ConfigError{Op: errors.OpWatch, Path: w.path, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx, fsw, w.done)

	w.log.Info().Str("path", w.path).Msg("Watching settings file")
	return nil
}

// Stop ends the watch and waits for the event loop to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	fsw, cancel, done := w.fsw, w.cancel, w.done
	w.fsw, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()

	if fsw == nil {
		return
	}
	cancel()
	fsw.Close()
	<-done
}

// Reloads returns how many reloads the watcher has triggered
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("Settings file changed")
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if !pending {
				continue
			}
			pending = false
			w.mu.Lock()
			w.reloads++
			w.mu.Unlock()
			w.store.LoadAsync(w.path)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			errors.Report(w.store.sink, "settings-watcher", &errors.ConfigError{Op: errors.OpWatch, Path: w.path, Err: err})
		}
	}
}
