package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/pulse/internal/dashboard"
	"github.com/mschirtzinger/pulse/internal/events"
	"github.com/mschirtzinger/pulse/internal/store"
	"github.com/mschirtzinger/pulse/internal/store/backup"
	"github.com/mschirtzinger/pulse/internal/ui"
)

type serveStatus struct {
	Store  store.Status         `json:"store"`
	Events dashboard.EventStats `json:"events"`
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "backup",
	Short:   "Hold the store open and stream its events over WebSocket",
	Long: `Start a local dashboard server for the store.

The server broadcasts store events to connected WebSocket clients:
- persisted: a snapshot was written to the backup folder
- persist_skipped: the backup folder was unavailable or denied
- capability_warning: no backup folder is configured
- integrity_recovered: the local database was rebuilt after corruption
- imported: a snapshot document replaced the dataset
- snapshot_changed: another writer replaced the backup snapshot

Endpoints:
  ws://HOST:PORT/ws      event stream, starting with a status message
  http://HOST:PORT/status
  http://HOST:PORT/health`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("host") {
			host = cfg.Dashboard.Host
		}
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}

		bus := events.NewBus()
		sub, unsubscribe := bus.Subscribe(256)
		defer unsubscribe()

		m, _, err := openStore(ctx, bus)
		if err != nil {
			return err
		}
		defer m.Close()

		var handler *dashboard.Handler
		server := dashboard.NewServer(&dashboard.Config{
			Host:   host,
			Port:   port,
			Logger: log.WithField("component", "dashboard"),
			Status: func(ctx context.Context) any {
				return serveStatus{Store: m.Status(ctx), Events: handler.Stats()}
			},
		})
		handler = dashboard.NewHandler(server, log.WithField("component", "dashboard"))

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		var changes <-chan backup.Change
		w, err := startWatcher(m, nil)
		if err != nil {
			log.WithError(err).Warn("not watching the backup folder")
		} else if w != nil {
			defer w.Stop()
			changes = w.Changes()
		}

		addr := server.Addr()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Dashboard server started on http://%s\n", ui.RenderPass("✓"), addr)
		fmt.Fprintf(out, "WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Fprintf(out, "Health check: http://%s/health\n", addr)
		fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

		_ = watchLoop(ctx, m, sub, changes, handler.Emit)

		fmt.Fprintln(out, "\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Fprintln(out, "Dashboard server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("host", "", "address to bind (default dashboard.host)")
	serveCmd.Flags().IntP("port", "p", 0, "port to listen on (default dashboard.port)")

	rootCmd.AddCommand(serveCmd)
}
