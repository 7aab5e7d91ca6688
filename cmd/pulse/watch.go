package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/pulse/internal/events"
	"github.com/mschirtzinger/pulse/internal/store"
	"github.com/mschirtzinger/pulse/internal/store/backup"
	"github.com/mschirtzinger/pulse/internal/ui"
)

// startWatcher watches the store's backup folder when it is a local
// directory. It returns nil when there is nothing to watch.
func startWatcher(m *store.Manager, sink events.Sink) (*backup.Watcher, error) {
	h, ok := m.Bridge().Handle().(*backup.DirHandle)
	if !ok || h == nil {
		return nil, nil
	}
	w, err := backup.NewWatcher(h.Path(), log.WithField("component", "backup-watcher"), sink)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}

// ownWrite reports whether the snapshot now in the folder is the one this
// process wrote last.
func ownWrite(m *store.Manager) bool {
	h := m.Bridge().Handle()
	last := m.Bridge().Status().LastSaved
	if h == nil || last == nil {
		return false
	}
	snap, err := backup.ReadSnapshot(h)
	if err != nil || snap == nil {
		return false
	}
	return snap.Timestamp().Equal(*last)
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "backup",
	Short:   "Hold the store open and report backup activity",
	Long: `Watch opens the store, then prints persistence events and replacements of
the backup snapshot made by other devices until interrupted. A replacement
is only reported; it is restored the next time the store is opened.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		bus := events.NewBus()
		sub, unsubscribe := bus.Subscribe(64)
		defer unsubscribe()

		m, _, err := openStore(ctx, bus)
		if err != nil {
			return err
		}
		defer m.Close()

		w, err := startWatcher(m, nil)
		if err != nil {
			return err
		}
		var changes <-chan backup.Change
		if w != nil {
			defer w.Stop()
			changes = w.Changes()
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s no backup folder to watch; reporting local events only\n", ui.RenderWarn("⚠"))
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Watching %s (Ctrl+C to stop)\n", ui.RenderAccent("👀"), cfg.DataDir)
		return watchLoop(ctx, m, sub, changes, func(e events.Event) {
			if jsonOutput {
				_ = printJSON(cmd, e)
				return
			}
			fmt.Fprintf(out, "%s %-20s %s\n",
				ui.RenderMuted(e.Time.Local().Format(time.TimeOnly)), e.Kind, e.Message)
		})
	},
}

// watchLoop turns folder changes into snapshot_changed events, drops the
// ones caused by this process, and hands everything to report until ctx is
// done.
func watchLoop(ctx context.Context, m *store.Manager, sub <-chan events.Event, changes <-chan backup.Change, report func(events.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub:
			if !ok {
				return nil
			}
			report(e)
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if ownWrite(m) {
				continue
			}
			report(events.Event{
				Kind:    events.SnapshotChanged,
				Time:    c.Time.UTC(),
				Message: "backup snapshot replaced by another writer",
				Fields:  map[string]any{"path": c.Path},
			})
		}
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
