package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/pulse/internal/store/backup"
	"github.com/mschirtzinger/pulse/internal/store/schema"
	"github.com/mschirtzinger/pulse/internal/ui"
)

type env struct {
	t       *testing.T
	dataDir string
	cfgDir  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, "data"))
	for _, kv := range os.Environ() {
		if k, _, _ := strings.Cut(kv, "="); strings.HasPrefix(k, "PULSE_") {
			t.Setenv(k, "")
			os.Unsetenv(k)
		}
	}
	saved := prompter
	prompter = &ui.Prompter{}
	t.Cleanup(func() { prompter = saved })

	return &env{
		t:       t,
		dataDir: filepath.Join(root, "store"),
		cfgDir:  filepath.Join(root, "config", "pulse"),
	}
}

// resetFlags restores every flag to its default; cobra keeps parsed values
// between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes the CLI against the env's data directory and returns stdout.
func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	resetFlags(rootCmd)
	cfgFile, jsonOutput, noColor = "", false, false

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append([]string{"--data-dir", e.dataDir, "--no-color"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		e.t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), err
}

func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, "pulse %s", strings.Join(args, " "))
	return out
}

func TestConfigInitAndShow(t *testing.T) {
	e := newEnv(t)

	out := e.mustRun("config", "init")
	path := filepath.Join(e.cfgDir, "config.toml")
	assert.Contains(t, out, path)
	require.FileExists(t, path)

	_, err := e.run("config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
	e.mustRun("config", "init", "--force")

	out = e.mustRun("config", "show")
	assert.Contains(t, out, "[search]")
	assert.Contains(t, out, "limit = 50")

	out = e.mustRun("config", "show", "--format", "yaml")
	assert.Contains(t, out, "search:")

	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "config", "show")), &shown))
	assert.Equal(t, e.dataDir, shown["data_dir"], "--data-dir overrides the file")

	_, err = e.run("config", "show", "--format", "ini")
	require.Error(t, err)
}

func TestConfigInitExplicitPath(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "custom.toml")

	e.mustRun("--config", path, "config", "init")
	require.FileExists(t, path)

	_, err := e.run("--config", filepath.Join(t.TempDir(), "missing.toml"), "status")
	require.Error(t, err)
}

func TestExecQuerySearch(t *testing.T) {
	e := newEnv(t)

	out := e.mustRun("exec", "INSERT INTO projects (title, description) VALUES (?, ?)", "Quarterly report", "numbers for Q3")
	assert.Contains(t, out, "1 rows affected")
	e.mustRun("exec", "INSERT INTO tasks (project_id, title) VALUES (?, ?)", "1", "Draft quarterly summary")
	e.mustRun("exec", "INSERT INTO projects (title) VALUES (?)", "Hiring")

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "query", "SELECT id, title FROM projects ORDER BY id")), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "Hiring", rows[1]["title"])

	out = e.mustRun("query", "SELECT title FROM projects WHERE id = ?", "2")
	assert.Contains(t, out, "Hiring")

	var results []struct {
		SourceType string `json:"sourceType"`
		SourceID   int64  `json:"sourceId"`
		Snippet    string `json:"snippet"`
	}
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "search", "quart")), &results))
	require.Len(t, results, 2)
	types := []string{results[0].SourceType, results[1].SourceType}
	assert.ElementsMatch(t, []string{"project", "task"}, types)

	var ids []int64
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "search", "--projects", "quarterly")), &ids))
	assert.Equal(t, []int64{1}, ids)

	out = e.mustRun("search", "nothingmatches")
	assert.Contains(t, out, "no matches")

	_, err := e.run("exec", "INSERT INTO projects (title, status) VALUES ('x', 'Purple')")
	require.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.mustRun("exec", "INSERT INTO projects (title) VALUES ('Alpha')")
	e.mustRun("exec", "INSERT INTO work_log_entries (project_id, note) VALUES (1, 'kickoff held')")

	file := filepath.Join(t.TempDir(), "export.json")
	out := e.mustRun("export", "--out", file)
	assert.Contains(t, out, "Exported 1 projects")

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	var snap schema.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap.Projects, 1)
	require.NotNil(t, snap.ExportedAt)

	stdout := e.mustRun("export", "--out", "-")
	assert.Contains(t, stdout, `"workLogEntries"`)

	e.mustRun("exec", "DELETE FROM projects")

	_, err = e.run("import", file)
	require.ErrorIs(t, err, errNotConfirmed, "nothing to ask")

	out = e.mustRun("import", "--yes", file)
	assert.Contains(t, out, "Imported 1 projects")

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "query", "SELECT title FROM projects")), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Alpha", rows[0]["title"])

	var hits []map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "search", "kickoff")), &hits))
	assert.Len(t, hits, 1)
}

func TestImportRejectsInvalidDocument(t *testing.T) {
	e := newEnv(t)
	e.mustRun("exec", "INSERT INTO projects (title) VALUES ('Keep me')")

	file := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"version": 1, "projects": {}}`), 0o644))

	_, err := e.run("import", "--yes", file)
	require.Error(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "query", "SELECT title FROM projects")), &rows))
	require.Len(t, rows, 1)
}

func TestStatusAndMaintenance(t *testing.T) {
	e := newEnv(t)

	var st struct {
		State         string         `json:"state"`
		SchemaVersion int            `json:"schemaVersion"`
		LatestVersion int            `json:"latestVersion"`
		Counts        map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "status")), &st))
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, st.LatestVersion, st.SchemaVersion)

	out := e.mustRun("status")
	assert.Contains(t, out, "no folder configured")

	out = e.mustRun("migrate")
	assert.Contains(t, out, "Schema at version")

	out = e.mustRun("check")
	assert.Contains(t, out, "integrity check passed")
	assert.Contains(t, out, "search index in sync")

	out = e.mustRun("reindex")
	assert.Contains(t, out, "search index rebuilt")
}

func TestFolderLifecycle(t *testing.T) {
	e := newEnv(t)
	folder := t.TempDir()

	_, err := e.run("folder", "set", folder)
	require.ErrorIs(t, err, errNotConfirmed, "nothing to ask")

	out := e.mustRun("folder", "set", "--yes", folder)
	assert.Contains(t, out, folder)

	rec, err := backup.NewHandleStore(e.cfgDir).Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Consented)

	e.mustRun("exec", "INSERT INTO projects (title) VALUES ('Mirrored')")
	h, err := backup.NewDirHandle(folder, true, nil)
	require.NoError(t, err)
	snap, err := backup.ReadSnapshot(h)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Projects, 1)
	assert.Equal(t, "Mirrored", snap.Projects[0].Title)

	var view folderView
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "folder", "show")), &view))
	assert.Equal(t, "granted", view.Permission)
	assert.Equal(t, "remembered", view.Source)
	assert.NotNil(t, view.SavedAt)

	out = e.mustRun("folder", "sync")
	assert.Contains(t, out, "Snapshot written")

	e.mustRun("folder", "forget")
	rec, err = backup.NewHandleStore(e.cfgDir).Load()
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = e.run("folder", "sync")
	require.Error(t, err)
}

func TestRestoreFromFolderOnOpen(t *testing.T) {
	e := newEnv(t)
	folder := t.TempDir()
	e.mustRun("folder", "set", "--yes", folder)
	e.mustRun("exec", "INSERT INTO projects (title) VALUES ('From device A')")

	// A second device with an empty data directory picks up the folder copy.
	other := *e
	other.dataDir = filepath.Join(t.TempDir(), "device-b")

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(other.mustRun("--json", "query", "SELECT title FROM projects")), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "From device A", rows[0]["title"])
}

func TestConfigFolderConsentRemembered(t *testing.T) {
	e := newEnv(t)
	folder := t.TempDir()
	t.Setenv("PULSE_BACKUP_FOLDER", folder)

	asked := 0
	prompter = backup.PrompterFunc(func(context.Context, string, string) (bool, error) {
		asked++
		return true, nil
	})

	e.mustRun("exec", "INSERT INTO projects (title) VALUES ('First session')")
	require.Equal(t, 1, asked, "first write asks for consent")

	rec, err := backup.NewHandleStore(e.cfgDir).Load()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Consented)

	// A later session without a terminal still reaches the folder.
	prompter = &ui.Prompter{}
	e.mustRun("exec", "INSERT INTO projects (title) VALUES ('Second session')")
	assert.Equal(t, 1, asked)

	h, err := backup.NewDirHandle(folder, true, nil)
	require.NoError(t, err)
	snap, err := backup.ReadSnapshot(h)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Len(t, snap.Projects, 2)
}

func TestBench(t *testing.T) {
	e := newEnv(t)

	var report struct {
		Writes  int `json:"writes"`
		WorkLog int `json:"workLogEntries"`
	}
	out := e.mustRun("--json", "bench", "--clients", "4", "--ops", "5", "--projects", "10", "--writes", "0.5")
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 10+report.Writes, report.WorkLog)

	_, err := e.run("bench", "--writes", "2")
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(e.dataDir, "pulse.db"))
	assert.True(t, os.IsNotExist(err), "bench must not touch the data directory")
}
