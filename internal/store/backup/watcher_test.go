package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestWatcher_ReportsSnapshotReplace(t *testing.T) {
	dir := t.TempDir()
	logger, _ := logtest.NewNullLogger()
	log := &eventLog{}

	w, err := NewWatcher(dir, logger, log)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(); err == nil {
		t.Error("second Start succeeded")
	}

	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tmp := filepath.Join(dir, SnapshotFileName+".tmp")
	if err := os.WriteFile(tmp, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, SnapshotFileName)); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-w.Changes():
		if filepath.Base(c.Path) != SnapshotFileName {
			t.Errorf("change path = %s", c.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
	if len(log.kinds()) == 0 {
		t.Error("no snapshot_changed event emitted")
	}
}

func TestWatcher_StopClosesChanges(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	w, err := NewWatcher(t.TempDir(), logger, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
	if _, ok := <-w.Changes(); ok {
		t.Error("Changes channel open after Stop")
	}
}
