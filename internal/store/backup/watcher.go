package backup

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/pulse/internal/events"
)

// Change reports that the snapshot in the backup folder was replaced.
type Change struct {
	Path string
	Time time.Time
}

// Watcher watches a backup folder for snapshot replacements made by another
// device or process. Changes are informational; nothing is merged.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	log     logrus.FieldLogger
	sink    events.Sink

	changes chan Change
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a Watcher for dir. It must be started with Start.
func NewWatcher(dir string, logger logrus.FieldLogger, sink events.Sink) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "backup-watcher")
	}
	return &Watcher{
		watcher: w,
		dir:     dir,
		log:     logger,
		sink:    events.OrDiscard(sink),
		changes: make(chan Change, 16),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch backup folder %s: %w", w.dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop stops watching and closes the Changes channel.
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
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.changes)
	return nil
}

// Changes returns the change channel. It is closed by Stop.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
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
			change, ok := w.convert(ev)
			if !ok {
				continue
			}
			w.sink.Emit(events.New(events.SnapshotChanged, "backup snapshot replaced", map[string]any{
				"path": change.Path,
			}))
			select {
			case w.changes <- change:
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("backup folder watch error")
		}
	}
}

// convert keeps create and write events on the snapshot file. The atomic
// replace shows up as a create (rename target) so both are needed. Writes
// made by this process are reported too; callers compare the snapshot
// timestamp with Bridge.Status to tell them apart.
func (w *Watcher) convert(ev fsnotify.Event) (Change, bool) {
	if filepath.Base(ev.Name) != SnapshotFileName {
		return Change{}, false
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return Change{}, false
	}
	return Change{Path: ev.Name, Time: time.Now()}, true
}
