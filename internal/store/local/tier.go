// Package local manages the private data directory that backs all live reads
// and writes. The directory holds the engine file, an exclusive process lock
// and a marker recording when the local data was last persisted.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"

	"github.com/mschirtzinger/pulse/internal/store/schema"
)

const (
	dbFileName     = "pulse.db"
	lockFileName   = "pulse.lock"
	markerFileName = "last-saved.json"
)

// ErrLocked is returned by Attach when another process holds the data
// directory.
var ErrLocked = errors.New("data directory is in use by another process")

// Tier is the local durability tier rooted at one directory.
type Tier struct {
	dir string

	mu   sync.Mutex
	lock *os.File
}

// New returns a Tier rooted at dir. Nothing is touched until Attach.
func New(dir string) *Tier {
	return &Tier{dir: dir}
}

// Dir returns the data directory.
func (t *Tier) Dir() string {
	return t.dir
}

// DBPath returns the path of the engine file.
func (t *Tier) DBPath() string {
	return filepath.Join(t.dir, dbFileName)
}

// Attach creates the data directory if needed and takes an exclusive,
// non-blocking flock on its lock file. Attaching an already attached Tier is
// a no-op.
func (t *Tier) Attach() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lock != nil {
		return nil
	}

	if err := os.MkdirAll(t.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(t.dir, lockFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLocked
		}
		return fmt.Errorf("failed to lock data directory: %w", err)
	}

	t.lock = f
	return nil
}

// Attached reports whether the Tier currently holds its lock.
func (t *Tier) Attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lock != nil
}

// Release drops the directory lock. Releasing twice is a no-op.
func (t *Tier) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lock == nil {
		return nil
	}
	f := t.lock
	t.lock = nil

	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		unlockErr = fmt.Errorf("failed to unlock data directory: %w", unlockErr)
	}
	if closeErr != nil {
		closeErr = fmt.Errorf("failed to close lock file: %w", closeErr)
	}
	return errors.Join(unlockErr, closeErr)
}

// Wipe deletes the engine file with its journal side files and the saved
// marker. The lock file stays so the Tier remains attached.
func (t *Tier) Wipe() error {
	db := t.DBPath()
	var errs []error
	for _, p := range []string{db, db + "-wal", db + "-shm", db + "-journal", t.markerPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", filepath.Base(p), err))
		}
	}
	return errors.Join(errs...)
}

// Exists reports whether an engine file is present.
func (t *Tier) Exists() bool {
	_, err := os.Stat(t.DBPath())
	return err == nil
}

func (t *Tier) markerPath() string {
	return filepath.Join(t.dir, markerFileName)
}

type marker struct {
	SavedAt time.Time `json:"savedAt"`
}

// Marker returns the savedAt of the last local persist. ok is false when no
// marker has been written yet.
func (t *Tier) Marker() (savedAt time.Time, ok bool, err error) {
	data, err := os.ReadFile(t.markerPath())
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read marker: %w", err)
	}

	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse marker: %w", err)
	}
	return m.SavedAt, true, nil
}

// WriteMarker atomically records savedAt as the time of the last persist.
func (t *Tier) WriteMarker(savedAt time.Time) error {
	data, err := json.Marshal(marker{SavedAt: savedAt.UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}
	if err := atomic.WriteFile(t.markerPath(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}
	return nil
}

// Persist records the snapshot's savedAt as the local marker. It lets the
// Tier sit in front of the backup bridge in a persister chain.
func (t *Tier) Persist(_ context.Context, snap *schema.Snapshot) error {
	ts := snap.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	return t.WriteMarker(ts)
}
