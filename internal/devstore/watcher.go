package devstore

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns writes to the device store's database file by other
// processes into [Event]s. SQLite in WAL mode appends to the -wal file, so
// both the main file and its -wal sibling are matched.
type Watcher struct {
	watcher *fsnotify.Watcher
	names   map[string]bool
	dir     string
	events  chan<- Event
	logger  *slog.Logger

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for the database at dbPath that delivers to
// events. Start must be called before anything is emitted.
func NewWatcher(dbPath string, events chan<- Event, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("resolving %s: %w", dbPath, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := filepath.Base(abs)
	return &Watcher{
		watcher: w,
		names:   map[string]bool{base: true, base + "-wal": true},
		dir:     filepath.Dir(abs),
		events:  events,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// that the -wal file being created and truncated is observed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("closing watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.names[filepath.Base(ev.Name)] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			select {
			case w.events <- Event{At: time.Now()}:
			case <-w.done:
				return
			default:
				// Consumer is behind; it will query dirty rows anyway.
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("device store watcher error", "error", err)
		}
	}
}
