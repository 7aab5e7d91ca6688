// Package store owns the lifecycle of the local database: attaching the
// private data directory, opening and migrating the engine, recovering from
// corruption, restoring from the backup folder and wiring the persister chain
// that keeps the backup folder current.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mschirtzinger/pulse/internal/events"
	"github.com/mschirtzinger/pulse/internal/store/backup"
	"github.com/mschirtzinger/pulse/internal/store/db"
	"github.com/mschirtzinger/pulse/internal/store/local"
	"github.com/mschirtzinger/pulse/internal/store/schema"
	"github.com/mschirtzinger/pulse/internal/store/transfer"
)

var (
	// ErrInitialization means the store could not be brought up. The data
	// directory could not be attached or the engine refused to open.
	ErrInitialization = errors.New("store initialization failed")

	// ErrIntegrity means the local database failed verification again after
	// being wiped and recreated.
	ErrIntegrity = errors.New("store integrity check failed")

	// ErrNotReady is returned by Current when no database is open.
	ErrNotReady = errors.New("store is not ready")
)

// Options configures a Manager.
type Options struct {
	// DataDir is the private directory holding the engine file. Required.
	DataDir string

	// Driver is the database/sql driver name. Empty means db.DefaultDriver.
	Driver string

	Logger logrus.FieldLogger
	Events events.Sink

	// IntegrityCheck replaces PRAGMA integrity_check. Tests use it to
	// simulate corruption.
	IntegrityCheck IntegrityCheckFunc

	// Bridge writes snapshots into the backup folder. Nil creates one.
	Bridge *backup.Bridge

	Now func() time.Time
}

// Manager hands out the single live database of this process.
//
// Open is safe to call from many goroutines: concurrent callers share one
// in-flight initialization and receive the same result.
type Manager struct {
	opts   Options
	tier   *local.Tier
	bridge *backup.Bridge
	log    logrus.FieldLogger
	events events.Sink

	group singleflight.Group
	state stateBox

	mu      sync.Mutex
	current *db.DB
	lastErr error
	restore *RestoreInfo
}

// RestoreInfo describes the backup snapshot applied during the last Open.
type RestoreInfo struct {
	Folder  string
	SavedAt time.Time
	Counts  map[string]int
}

// New returns a Manager for opts.DataDir. Nothing is opened until Open.
func New(opts Options) (*Manager, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data directory cannot be empty", ErrInitialization)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger().WithField("component", "store")
	}
	if opts.IntegrityCheck == nil {
		opts.IntegrityCheck = DefaultIntegrityCheck
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sink := events.OrDiscard(opts.Events)

	bridge := opts.Bridge
	if bridge == nil {
		bridge = backup.NewBridge(nil, backup.BridgeOptions{
			Logger: opts.Logger.WithField("component", "backup"),
			Events: sink,
			Now:    opts.Now,
		})
	}

	return &Manager{
		opts:   opts,
		tier:   local.New(opts.DataDir),
		bridge: bridge,
		log:    opts.Logger,
		events: sink,
	}, nil
}

// Open brings the store to StateReady and returns the live database.
//
// Any connection from an earlier Open is closed first. handle is the backup
// folder; nil runs local-only with a one-time capability warning. The
// initialization is not cancelled when one caller's ctx is, since other
// callers may be waiting on the same result.
func (m *Manager) Open(ctx context.Context, handle backup.Handle) (*db.DB, error) {
	ch := m.group.DoChan("open", func() (any, error) {
		return m.open(context.WithoutCancel(ctx), handle)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*db.DB), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) open(ctx context.Context, handle backup.Handle) (*db.DB, error) {
	m.state.store(StateInitializing)
	start := time.Now()

	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.restore = nil
	m.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			m.log.WithError(err).Warn("failed to close previous database")
		}
	}

	d, err := m.initialize(ctx, handle)
	if err != nil {
		m.state.store(StateFailed)
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.log.WithError(err).Error("store initialization failed")
		return nil, err
	}

	m.mu.Lock()
	m.current = d
	m.lastErr = nil
	m.mu.Unlock()
	m.state.store(StateReady)

	m.log.WithFields(logrus.Fields{
		"path":     m.tier.DBPath(),
		"driver":   d.Driver(),
		"folder":   handleName(handle),
		"duration": time.Since(start),
	}).Info("store ready")
	return d, nil
}

func (m *Manager) initialize(ctx context.Context, handle backup.Handle) (*db.DB, error) {
	if err := m.tier.Attach(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	m.bridge.SetHandle(handle)
	prior := m.readPrior(handle)

	d, err := m.openVerified(ctx)
	if err != nil {
		_ = m.tier.Release()
		return nil, err
	}

	if prior != nil {
		m.restoreFrom(ctx, d, handle, prior)
	}

	d.SetPersister(chain{m.tier, m.bridge})
	return d, nil
}

// readPrior loads the snapshot left in the backup folder. Read problems are
// logged and treated as no snapshot; the local data stays authoritative.
func (m *Manager) readPrior(handle backup.Handle) *schema.Snapshot {
	if handle == nil {
		return nil
	}
	snap, err := backup.ReadSnapshot(handle)
	if err != nil {
		m.log.WithError(err).WithField("folder", handle.Name()).Warn("ignoring unreadable backup snapshot")
		return nil
	}
	return snap
}

// shouldRestore applies last-writer-wins between the backup snapshot and the
// local tier's marker.
func (m *Manager) shouldRestore(prior *schema.Snapshot) bool {
	saved, ok, err := m.tier.Marker()
	if err != nil {
		m.log.WithError(err).Warn("unreadable local marker, keeping local data")
		return false
	}
	if !ok {
		return true
	}
	return prior.Timestamp().After(saved)
}

func (m *Manager) restoreFrom(ctx context.Context, d *db.DB, handle backup.Handle, prior *schema.Snapshot) {
	logger := m.log.WithFields(logrus.Fields{
		"folder":   handle.Name(),
		"saved_at": prior.Timestamp(),
	})
	if !m.shouldRestore(prior) {
		logger.Debug("local data is newer than the backup snapshot")
		return
	}

	if _, err := transfer.Import(ctx, d, prior, transfer.Options{
		Logger:      m.log.WithField("component", "transfer"),
		Events:      m.events,
		SkipPersist: true,
	}); err != nil {
		logger.WithError(err).Warn("failed to restore backup snapshot, keeping local data")
		return
	}

	ts := prior.Timestamp()
	if ts.IsZero() {
		ts = m.opts.Now()
	}
	if err := m.tier.WriteMarker(ts); err != nil {
		logger.WithError(err).Warn("restored backup but failed to update local marker")
	}

	m.mu.Lock()
	m.restore = &RestoreInfo{Folder: handle.Name(), SavedAt: ts, Counts: prior.Counts()}
	m.mu.Unlock()
	logger.Info("restored data from backup folder")
}

// Current returns the ready database.
func (m *Manager) Current() (*db.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.state.load() != StateReady {
		if m.lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotReady, m.lastErr)
		}
		return nil, ErrNotReady
	}
	return m.current, nil
}

// State returns the lifecycle phase.
func (m *Manager) State() State {
	return m.state.load()
}

// Bridge returns the backup bridge wired into the persister chain.
func (m *Manager) Bridge() *backup.Bridge {
	return m.bridge
}

// Tier returns the local durability tier.
func (m *Manager) Tier() *local.Tier {
	return m.tier
}

// Restored reports the backup snapshot applied by the last Open, nil when
// local data was kept.
func (m *Manager) Restored() *RestoreInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restore
}

// Status summarizes the store for display.
type Status struct {
	State         string         `json:"state"`
	DataDir       string         `json:"dataDir"`
	Driver        string         `json:"driver,omitempty"`
	SchemaVersion int            `json:"schemaVersion"`
	LatestVersion int            `json:"latestVersion"`
	Backup        backup.Status  `json:"backup"`
	Restored      *RestoreInfo   `json:"restored,omitempty"`
	Counts        map[string]int `json:"counts,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Status reports the current state. Database details are filled in only
// when the store is ready.
func (m *Manager) Status(ctx context.Context) Status {
	st := Status{
		State:         m.State().String(),
		DataDir:       m.tier.Dir(),
		LatestVersion: db.LatestVersion(),
		Backup:        m.bridge.Status(),
		Restored:      m.Restored(),
	}

	m.mu.Lock()
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	m.mu.Unlock()

	d, err := m.Current()
	if err != nil {
		return st
	}
	st.Driver = d.Driver()
	if v, err := d.SchemaVersion(ctx); err == nil {
		st.SchemaVersion = v
	}
	if snap, err := d.Snapshot(ctx); err == nil {
		st.Counts = snap.Counts()
	}
	return st
}

// Close closes the database and releases the data directory. An Open in
// flight finishes first so it cannot publish a database after the directory
// lock is gone.
func (m *Manager) Close() error {
	_, _, _ = m.group.Do("open", func() (any, error) {
		return nil, db.ErrClosed
	})

	m.mu.Lock()
	d := m.current
	m.current = nil
	m.mu.Unlock()

	var errs []error
	if d != nil {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.tier.Release(); err != nil {
		errs = append(errs, err)
	}
	m.state.store(StateClosed)
	return errors.Join(errs...)
}

// chain persists to each member in order. The local marker goes first so it
// is never older than the backup folder's copy.
type chain []db.Persister

func (c chain) Persist(ctx context.Context, snap *schema.Snapshot) error {
	var errs []error
	for _, p := range c {
		if err := p.Persist(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func handleName(h backup.Handle) string {
	if h == nil {
		return ""
	}
	return h.Name()
}
