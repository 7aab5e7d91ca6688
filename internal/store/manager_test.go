package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/pulse/internal/events"
	"github.com/mschirtzinger/pulse/internal/store/backup"
	"github.com/mschirtzinger/pulse/internal/store/db"
	"github.com/mschirtzinger/pulse/internal/store/local"
	"github.com/mschirtzinger/pulse/internal/store/schema"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, dir string, opts Options) (*Manager, *recorder, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	rec := &recorder{}

	opts.DataDir = dir
	opts.Logger = logger
	opts.Events = rec
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, rec, hook
}

func projectTitles(t *testing.T, d *db.DB) []string {
	t.Helper()
	rows, err := d.Query(context.Background(), "SELECT title FROM projects ORDER BY id")
	require.NoError(t, err)
	titles := make([]string, 0, len(rows))
	for _, r := range rows {
		titles = append(titles, r["title"].(string))
	}
	return titles
}

func writeBackup(t *testing.T, h *backup.MemHandle, savedAt time.Time, titles ...string) {
	t.Helper()
	ts := schema.FormatTimestamp(savedAt)
	snap := &schema.Snapshot{
		Version:         schema.SnapshotVersion,
		SavedAt:         &savedAt,
		Projects:        []schema.Project{},
		Tasks:           []schema.Task{},
		WorkLogEntries:  []schema.WorkLogEntry{},
		DropdownOptions: []schema.DropdownOption{},
	}
	for i, title := range titles {
		snap.Projects = append(snap.Projects, schema.Project{
			ID: int64(i + 1), Title: title, Status: schema.ProjectGreen,
			Stakeholders: "[]", TicketLinks: "[]", CreatedAt: ts, UpdatedAt: ts,
		})
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(h.Base(), backup.SnapshotFileName, data, 0o644))
}

func TestManager_OpenFresh(t *testing.T) {
	m, rec, _ := newTestManager(t, t.TempDir(), Options{})
	require.Equal(t, StateUninitialized, m.State())

	_, err := m.Current()
	require.ErrorIs(t, err, ErrNotReady)

	d, err := m.Open(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, StateReady, m.State())

	v, err := d.SchemaVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, db.LatestVersion(), v)

	cur, err := m.Current()
	require.NoError(t, err)
	require.Same(t, d, cur)

	// No folder: local write succeeds, one capability warning.
	_, err = d.Run(context.Background(), "INSERT INTO projects (title) VALUES ('Solo')")
	require.NoError(t, err)
	_, err = d.Run(context.Background(), "INSERT INTO projects (title) VALUES ('Again')")
	require.NoError(t, err)
	require.Equal(t, 1, rec.count(events.CapabilityWarning))

	_, ok, err := m.Tier().Marker()
	require.NoError(t, err)
	require.True(t, ok, "local marker written by the persister chain")

	require.NoError(t, m.Close())
	require.Equal(t, StateClosed, m.State())
	_, err = m.Current()
	require.ErrorIs(t, err, ErrNotReady)
}

func TestManager_ConcurrentOpenSharesOneInit(t *testing.T) {
	var checks atomic.Int32
	gate := make(chan struct{})
	check := func(ctx context.Context, d *db.DB) (db.IntegrityReport, error) {
		checks.Add(1)
		<-gate
		return d.IntegrityCheck(ctx)
	}
	m, _, _ := newTestManager(t, t.TempDir(), Options{IntegrityCheck: check})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*db.DB, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Open(context.Background(), nil)
		}(i)
	}

	require.Eventually(t, func() bool { return checks.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, StateInitializing, m.State())
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
	require.Equal(t, int32(1), checks.Load())
}

func TestManager_OpenCallerCancelDoesNotAbortInit(t *testing.T) {
	gate := make(chan struct{})
	check := func(ctx context.Context, d *db.DB) (db.IntegrityReport, error) {
		<-gate
		return d.IntegrityCheck(ctx)
	}
	m, _, _ := newTestManager(t, t.TempDir(), Options{IntegrityCheck: check})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Open(ctx, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return m.State() == StateInitializing }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(gate)
	require.Eventually(t, func() bool { return m.State() == StateReady }, 5*time.Second, 5*time.Millisecond)
}

func TestManager_CloseWaitsForInFlightOpen(t *testing.T) {
	dir := t.TempDir()
	gate := make(chan struct{})
	check := func(ctx context.Context, d *db.DB) (db.IntegrityReport, error) {
		<-gate
		return d.IntegrityCheck(ctx)
	}
	m, _, _ := newTestManager(t, dir, Options{IntegrityCheck: check})

	opened := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), nil)
		opened <- err
	}()
	require.Eventually(t, func() bool { return m.State() == StateInitializing }, 5*time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()

	select {
	case err := <-closed:
		t.Fatalf("Close returned during Open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-opened)
	require.NoError(t, <-closed)

	require.Equal(t, StateClosed, m.State())
	_, err := m.Current()
	require.ErrorIs(t, err, ErrNotReady)

	// The directory lock was released after the open finished.
	other, _, _ := newTestManager(t, dir, Options{})
	_, err = other.Open(context.Background(), nil)
	require.NoError(t, err)
}

func TestManager_IntegrityFailureWipesOnce(t *testing.T) {
	dir := t.TempDir()

	// Seed a database with one project.
	first, _, _ := newTestManager(t, dir, Options{})
	d, err := first.Open(context.Background(), nil)
	require.NoError(t, err)
	_, err = d.Run(context.Background(), "INSERT INTO projects (title) VALUES ('doomed')")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	var calls atomic.Int32
	check := func(ctx context.Context, d *db.DB) (db.IntegrityReport, error) {
		if calls.Add(1) == 1 {
			return db.IntegrityReport{Messages: []string{"row 3 missing from index"}}, nil
		}
		return d.IntegrityCheck(ctx)
	}
	m, rec, hook := newTestManager(t, dir, Options{IntegrityCheck: check})

	d, err = m.Open(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, StateReady, m.State())
	require.Empty(t, projectTitles(t, d), "wiped database starts empty")
	require.Equal(t, 1, rec.count(events.IntegrityRecovered))

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "local database failed verification, wiping and retrying" {
			warned = true
		}
	}
	require.True(t, warned)
}

func TestManager_RepeatedIntegrityFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	check := func(context.Context, *db.DB) (db.IntegrityReport, error) {
		calls.Add(1)
		return db.IntegrityReport{Messages: []string{"page 2 is never used"}}, nil
	}
	m, rec, _ := newTestManager(t, t.TempDir(), Options{IntegrityCheck: check})

	_, err := m.Open(context.Background(), nil)
	require.ErrorIs(t, err, ErrIntegrity)
	require.Equal(t, int32(2), calls.Load(), "retried exactly once")
	require.Equal(t, StateFailed, m.State())
	require.Zero(t, rec.count(events.IntegrityRecovered))

	_, err = m.Current()
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, err, ErrIntegrity)
	require.False(t, m.Tier().Attached(), "failed open releases the directory")

	st := m.Status(context.Background())
	require.Equal(t, "failed", st.State)
	require.NotEmpty(t, st.Error)
}

func TestManager_GarbageFileRecovers(t *testing.T) {
	dir := t.TempDir()
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte('x' + i%3)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pulse.db"), garbage, 0o600))

	m, rec, _ := newTestManager(t, dir, Options{})
	d, err := m.Open(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, rec.count(events.IntegrityRecovered))

	_, err = d.Run(context.Background(), "INSERT INTO projects (title) VALUES ('fresh')")
	require.NoError(t, err)
}

func TestManager_SecondProcessIsLockedOut(t *testing.T) {
	dir := t.TempDir()
	m, _, _ := newTestManager(t, dir, Options{})
	_, err := m.Open(context.Background(), nil)
	require.NoError(t, err)

	other, _, _ := newTestManager(t, dir, Options{})
	_, err = other.Open(context.Background(), nil)
	require.ErrorIs(t, err, ErrInitialization)
	require.ErrorIs(t, err, local.ErrLocked)
	require.Equal(t, StateFailed, other.State())
}

func TestManager_RestoresNewerBackup(t *testing.T) {
	h := backup.NewMemHandle("folder")
	writeBackup(t, h, time.Now().Add(-time.Hour), "From Backup", "Second")

	m, rec, _ := newTestManager(t, t.TempDir(), Options{})
	d, err := m.Open(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, []string{"From Backup", "Second"}, projectTitles(t, d))
	require.Equal(t, 1, rec.count(events.Imported))
	require.Zero(t, rec.count(events.Persisted), "restore does not write the folder back")

	info := m.Restored()
	require.NotNil(t, info)
	require.Equal(t, "folder", info.Folder)
	require.Equal(t, 2, info.Counts["projects"])

	hits, err := d.Search(context.Background(), "backup", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestManager_LastWriterWins(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	h := backup.NewMemHandle("folder")
	m, _, _ := newTestManager(t, dir, Options{})
	d, err := m.Open(ctx, h)
	require.NoError(t, err)
	_, err = d.Run(ctx, "INSERT INTO projects (title) VALUES ('Local Work')")
	require.NoError(t, err)
	require.NoError(t, m.Close())

	// An older snapshot from elsewhere must not clobber newer local data.
	stale := backup.NewMemHandle("stale")
	writeBackup(t, stale, time.Now().Add(-24*time.Hour), "Old Remote")
	m, _, _ = newTestManager(t, dir, Options{})
	d, err = m.Open(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, []string{"Local Work"}, projectTitles(t, d))
	require.Nil(t, m.Restored())
	require.NoError(t, m.Close())

	// A newer one wins.
	fresh := backup.NewMemHandle("fresh")
	writeBackup(t, fresh, time.Now().Add(time.Hour), "New Remote")
	m, _, _ = newTestManager(t, dir, Options{})
	d, err = m.Open(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, []string{"New Remote"}, projectTitles(t, d))
}

func TestManager_InvalidBackupKeepsLocal(t *testing.T) {
	h := backup.NewMemHandle("folder")
	require.NoError(t, afero.WriteFile(h.Base(), backup.SnapshotFileName, []byte(`{"version":1,"projects":[{"id":0}]}`), 0o644))

	m, _, hook := newTestManager(t, t.TempDir(), Options{})
	d, err := m.Open(context.Background(), h)
	require.NoError(t, err)
	require.Empty(t, projectTitles(t, d))
	require.Nil(t, m.Restored())

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "failed to restore backup snapshot, keeping local data" {
			warned = true
		}
	}
	require.True(t, warned)
}

func TestManager_RevokedFolderStillWritesLocally(t *testing.T) {
	ctx := context.Background()
	h := backup.NewMemHandle("folder")
	m, rec, _ := newTestManager(t, t.TempDir(), Options{})
	d, err := m.Open(ctx, h)
	require.NoError(t, err)

	_, err = d.Run(ctx, "INSERT INTO projects (title) VALUES ('Synced')")
	require.NoError(t, err)
	snap, err := backup.ReadSnapshot(h)
	require.NoError(t, err)
	require.Len(t, snap.Projects, 1)

	h.Revoke()
	_, err = d.Run(ctx, "INSERT INTO projects (title) VALUES ('Local Only')")
	require.NoError(t, err, "revoked folder must not fail the local write")
	require.Equal(t, []string{"Synced", "Local Only"}, projectTitles(t, d))

	snap, err = backup.ReadSnapshot(h)
	require.NoError(t, err)
	require.Len(t, snap.Projects, 1, "folder copy left untouched")
	require.Equal(t, 1, rec.count(events.PersistSkipped))

	st := m.Status(ctx)
	require.Equal(t, "ready", st.State)
	require.Equal(t, 1, st.Backup.Skipped)
	require.Equal(t, 2, st.Counts["projects"])
	require.Equal(t, db.LatestVersion(), st.SchemaVersion)
}

func TestManager_ReopenClosesPrevious(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, t.TempDir(), Options{})
	first, err := m.Open(ctx, nil)
	require.NoError(t, err)

	second, err := m.Open(ctx, nil)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	_, err = first.Query(ctx, "SELECT 1")
	require.True(t, errors.Is(err, db.ErrClosed))
	_, err = second.Query(ctx, "SELECT 1")
	require.NoError(t, err)
}

func TestNew_RequiresDataDir(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrInitialization)
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateUninitialized: "uninitialized",
		StateInitializing:  "initializing",
		StateReady:         "ready",
		StateClosed:        "closed",
		StateFailed:        "failed",
		State(42):          "unknown",
	} {
		require.Equal(t, want, s.String())
	}
}
