package backup

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/mschirtzinger/pulse/internal/events"
	"github.com/mschirtzinger/pulse/internal/store/schema"
)

// SnapshotFileName is the document written into the backup folder.
const SnapshotFileName = "pulse-backup.json"

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	// Logger defaults to the standard logrus logger with component=backup.
	Logger logrus.FieldLogger
	// Events receives persisted, persist_skipped and capability_warning
	// events. Nil discards them.
	Events events.Sink
	// Now overrides the clock.
	Now func() time.Time
}

// Status describes the external tier as last observed by the Bridge.
type Status struct {
	Capability bool       `json:"capability"`
	Folder     string     `json:"folder,omitempty"`
	Permission string     `json:"permission"`
	LastSync   *time.Time `json:"last_sync,omitempty"`
	LastSaved  *time.Time `json:"last_saved,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Skipped    int        `json:"skipped"`
}

// Bridge writes full snapshots into the backup folder. It implements the
// db.Persister interface and never fails a write.
type Bridge struct {
	log    logrus.FieldLogger
	events events.Sink
	now    func() time.Time

	mu        sync.Mutex
	handle    Handle
	verified  bool
	warned    bool
	perm      Permission
	lastSync  time.Time
	lastSaved time.Time
	lastErr   error
	skipped   int
}

// NewBridge returns a Bridge writing through handle. A nil handle means the
// folder capability is unavailable; the Bridge then only emits a one-time
// capability warning.
func NewBridge(handle Handle, opts BridgeOptions) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "backup")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		log:    logger,
		events: events.OrDiscard(opts.Events),
		now:    now,
		handle: handle,
		perm:   PermissionPrompt,
	}
}

// Handle returns the current handle, nil when none is set.
func (b *Bridge) Handle() Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle
}

// SetHandle replaces the backup folder. Permission is verified again before
// the next write.
func (b *Bridge) SetHandle(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handle = h
	b.verified = false
	b.warned = false
	b.perm = PermissionPrompt
	b.lastErr = nil
}

// Persist writes snap into the backup folder, replacing the previous
// snapshot. Denied permission, a stale folder and write failures are logged
// and recorded in Status; Persist itself always returns nil so the local
// write that triggered it is never failed.
func (b *Bridge) Persist(ctx context.Context, snap *schema.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle == nil {
		b.warnUnavailable()
		return nil
	}

	saved := snap.Timestamp()
	if !saved.IsZero() && saved.Before(b.lastSaved) {
		b.log.WithFields(logrus.Fields{
			"saved_at":   saved,
			"last_saved": b.lastSaved,
		}).Debug("dropping snapshot older than the last one written")
		return nil
	}

	if !b.verified {
		perm, err := b.verifyLocked(ctx)
		b.perm = perm
		if err != nil || perm != PermissionGranted {
			if err == nil {
				err = ErrPermissionDenied
			}
			b.skipLocked(err)
			return nil
		}
		b.verified = true
	}

	if err := writeSnapshot(b.handle.FS(), snap); err != nil {
		// The handle may have been revoked since it was verified.
		b.verified = false
		b.skipLocked(err)
		return nil
	}

	b.lastSync = b.now()
	b.lastSaved = saved
	b.lastErr = nil
	b.log.WithFields(logrus.Fields{
		"folder":   b.handle.Name(),
		"projects": len(snap.Projects),
		"tasks":    len(snap.Tasks),
	}).Debug("snapshot written to backup folder")
	b.events.Emit(events.New(events.Persisted, "snapshot written to backup folder", map[string]any{
		"folder": b.handle.Name(),
	}))
	return nil
}

func (b *Bridge) verifyLocked(ctx context.Context) (Permission, error) {
	perm, err := b.handle.QueryPermission(ctx)
	if err != nil {
		return PermissionDenied, err
	}
	if perm == PermissionGranted {
		return perm, nil
	}
	if perm == PermissionDenied {
		return perm, ErrPermissionDenied
	}
	return b.handle.RequestPermission(ctx)
}

func (b *Bridge) skipLocked(err error) {
	b.lastErr = err
	b.skipped++
	b.log.WithError(err).WithField("folder", b.handle.Name()).
		Warn("backup skipped; data is saved locally")
	b.events.Emit(events.New(events.PersistSkipped, err.Error(), map[string]any{
		"folder": b.handle.Name(),
	}))
}

func (b *Bridge) warnUnavailable() {
	if b.warned {
		return
	}
	b.warned = true
	b.lastErr = ErrUnavailable
	b.log.Warn("no backup folder configured; data is kept in the local data directory only")
	b.events.Emit(events.New(events.CapabilityWarning,
		"backups are unavailable; data is kept locally only", nil))
}

// Status reports the state of the external tier.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Capability: b.handle != nil,
		Permission: b.perm.String(),
		Skipped:    b.skipped,
	}
	if b.handle != nil {
		st.Folder = b.handle.Name()
	}
	if !b.lastSync.IsZero() {
		t := b.lastSync
		st.LastSync = &t
	}
	if !b.lastSaved.IsZero() {
		t := b.lastSaved
		st.LastSaved = &t
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	return st
}

// ReadSnapshot loads the snapshot stored in the backup folder. It returns
// nil and no error when the folder holds no snapshot yet.
func ReadSnapshot(h Handle) (*schema.Snapshot, error) {
	data, err := afero.ReadFile(h.FS(), SnapshotFileName)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.WithMessage(err, "failed to read backup snapshot")
	}

	var snap schema.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.WithMessage(err, "failed to parse backup snapshot")
	}
	return &snap, nil
}

// writeSnapshot writes snap next to the live file and renames it into place
// so a reader never sees a partial document.
func writeSnapshot(fs afero.Fs, snap *schema.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "failed to marshal snapshot")
	}

	tmp := SnapshotFileName + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return errors.WithMessage(err, "failed to write temporary snapshot")
	}
	if err := fs.Rename(tmp, SnapshotFileName); err != nil {
		_ = fs.Remove(tmp)
		return errors.WithMessage(err, "failed to replace snapshot")
	}
	return nil
}
