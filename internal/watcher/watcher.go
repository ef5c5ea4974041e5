// Package watcher follows the SQLite replica on disk so a long-running view
// (taskly tui --follow) reloads when another taskly process rewrites it.
package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskly/internal/utils"
)

var log = utils.Scoped("watcher")

// DefaultDebounce batches the burst of writes one SQLite transaction makes
// (main file, -wal, -shm, -journal).
const DefaultDebounce = 250 * time.Millisecond

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("watcher has been stopped")

// Config holds replica watcher configuration.
type Config struct {
	Path     string        // replica database file
	Debounce time.Duration // quiet window before OnChange fires
	OnChange func()
}

// Watcher reports changes to one replica file.
type Watcher struct {
	cfg  Config
	dir  string
	base string
	fsw  *fsnotify.Watcher

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Watcher. The replica's directory must exist; the file itself
// may be created later.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" || cfg.Path == ":memory:" {
		return nil, fmt.Errorf("cannot watch replica path %q", cfg.Path)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		cfg:    cfg,
		dir:    filepath.Dir(abs),
		base:   filepath.Base(abs),
		fsw:    fsw,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start watches the replica's directory. SQLite replaces and recreates its
// side files, so watching the directory is the only way to see every write.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if w.started {
		return nil
	}

	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.dir, err)
	}
	w.started = true
	go w.eventLoop()
	log.Debugf("following %s", filepath.Join(w.dir, w.base))
	return nil
}

// Stop ends the event loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	close(w.stopCh)
	_ = w.fsw.Close()
	w.mu.Unlock()

	if started {
		<-w.doneCh
	}
}

// relevant reports whether name is the replica or one of its SQLite side files.
func (w *Watcher) relevant(name string) bool {
	b := filepath.Base(name)
	return b == w.base || strings.HasPrefix(b, w.base+"-")
}

func (w *Watcher) eventLoop() {
	defer close(w.doneCh)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.cfg.Debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("watch error: %v", err)

		case <-fire:
			if w.cfg.OnChange != nil {
				w.cfg.OnChange()
			}
		}
	}
}
