// Command pulse manages the local project/task store: schema, search,
// import/export and the backup folder.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/pulse/internal/config"
	"github.com/mschirtzinger/pulse/internal/events"
	"github.com/mschirtzinger/pulse/internal/logging"
	"github.com/mschirtzinger/pulse/internal/store"
	"github.com/mschirtzinger/pulse/internal/store/backup"
	"github.com/mschirtzinger/pulse/internal/store/db"
	"github.com/mschirtzinger/pulse/internal/ui"
)

var (
	cfgFile    string
	jsonOutput bool
	noColor    bool

	cfg       *config.Config
	log       *logrus.Logger
	logCloser io.Closer

	// prompter asks for consent and confirmations on the terminal.
	prompter backup.Prompter = ui.NewPrompter()
)

// annotationCreatesConfig marks commands that may run before the file named
// by --config exists.
const annotationCreatesConfig = "creates-config"

var rootCmd = &cobra.Command{
	Use:           "pulse",
	Short:         "Local-first project and task store",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `pulse keeps projects, tasks, work log entries and dropdown options in an
embedded database under the data directory, mirrors every change into an
optional backup folder and restores from it on startup when the folder copy
is newer.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		flags := cmd.Root().PersistentFlags()
		_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
		_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
		_ = v.BindPFlag("engine.driver", flags.Lookup("driver"))

		file := cfgFile
		if _, creates := cmd.Annotations[annotationCreatesConfig]; creates {
			if _, err := os.Stat(file); err != nil {
				file = ""
			}
		}
		loaded, err := config.Load(v, file)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, closer, err := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Stderr:     cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		log, logCloser = logger, closer

		if noColor {
			ui.DisableColor()
		} else {
			ui.Init(cmd.OutOrStdout())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "backup", Title: "Backup folder:"},
		&cobra.Group{ID: "maintenance", Title: "Maintenance:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/pulse/config.toml)")
	flags.String("data-dir", "", "data directory (overrides data_dir)")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("driver", "", "database driver (overrides engine.driver)")
	flags.BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// openStore opens the store, attaching the backup folder when one is
// configured and backups are enabled. The caller closes the Manager.
func openStore(ctx context.Context, sink events.Sink) (*store.Manager, *db.DB, error) {
	m, err := store.New(store.Options{
		DataDir: cfg.DataDir,
		Driver:  cfg.Engine.Driver,
		Logger:  log.WithField("component", "store"),
		Events:  sink,
	})
	if err != nil {
		return nil, nil, err
	}

	var handle backup.Handle
	if cfg.Backup.Enabled {
		h, err := resolveFolder()
		if err != nil {
			log.WithError(err).Warn("backup folder unavailable, running local-only")
		} else if h != nil {
			handle = h
		}
	}

	d, err := m.Open(ctx, handle)
	if err != nil {
		_ = m.Close()
		return nil, nil, err
	}
	return m, d, nil
}

// resolveFolder returns the backup folder for this run: backup.folder from
// the config when set, else the remembered folder. Nil means none.
func resolveFolder() (*backup.DirHandle, error) {
	handles := backup.NewHandleStore(config.Dir())
	rec, err := handles.Load()
	if err != nil {
		return nil, err
	}

	var h *backup.DirHandle
	if cfg.Backup.Folder != "" {
		consented := rec != nil && sameFolder(rec.Path, cfg.Backup.Folder) && rec.Consented
		h, err = backup.NewDirHandle(cfg.Backup.Folder, consented, prompter)
	} else {
		h, err = handles.Open(prompter)
	}
	if err != nil || h == nil {
		return nil, err
	}
	h.OnGranted(func(h *backup.DirHandle) {
		if err := handles.SaveHandle(h); err != nil {
			log.WithError(err).Warn("failed to remember backup folder consent")
		}
	})
	return h, nil
}

// sameFolder compares folder paths after resolving them to absolute form.
func sameFolder(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errProblems makes a command exit non-zero after it has printed its report.
var errProblems = errors.New("problems found")
