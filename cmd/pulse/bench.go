package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/pulse/internal/loadtest"
	"github.com/mschirtzinger/pulse/internal/store"
	"github.com/mschirtzinger/pulse/internal/store/backup"
	"github.com/mschirtzinger/pulse/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maintenance",
	Short:   "Measure the store under concurrent load",
	Long: `Run a mixed workload of searches, reads and persisted writes from concurrent
clients against a throwaway store, then verify the search index, database
integrity and row counts.

The store lives in a temporary directory and writes its snapshots to an
in-memory backup folder, so the real data directory is never touched.

Examples:
  pulse bench
  pulse bench --clients 64 --ops 100 --writes 0.5
  pulse bench --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		lt := loadtest.DefaultConfig()
		flags := cmd.Flags()
		lt.Clients, _ = flags.GetInt("clients")
		lt.OpsPerClient, _ = flags.GetInt("ops")
		lt.Projects, _ = flags.GetInt("projects")
		lt.WriteRatio, _ = flags.GetFloat64("writes")
		if err := lt.Validate(); err != nil {
			return err
		}

		dir, err := os.MkdirTemp("", "pulse-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		m, err := store.New(store.Options{
			DataDir: dir,
			Driver:  cfg.Engine.Driver,
			Logger:  log.WithField("component", "store"),
		})
		if err != nil {
			return err
		}
		defer m.Close()

		d, err := m.Open(ctx, backup.NewMemHandle("bench"))
		if err != nil {
			return err
		}
		if err := loadtest.Seed(ctx, d, lt.Projects); err != nil {
			return err
		}

		report, err := loadtest.Run(ctx, d, lt)
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := printJSON(cmd, report); err != nil {
				return err
			}
		} else {
			report.Print(cmd.OutOrStdout())
		}

		if !report.Consistent() {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s store inconsistent after load\n", ui.RenderFail("✗"))
			return errProblems
		}
		if !jsonOutput {
			fmt.Fprintf(cmd.OutOrStdout(), "%s search index, integrity and row counts consistent\n", ui.RenderPass("✓"))
		}
		return nil
	},
}

func init() {
	def := loadtest.DefaultConfig()
	benchCmd.Flags().Int("clients", def.Clients, "number of concurrent clients")
	benchCmd.Flags().Int("ops", def.OpsPerClient, "operations per client")
	benchCmd.Flags().Int("projects", def.Projects, "projects to seed")
	benchCmd.Flags().Float64("writes", def.WriteRatio, "fraction of operations that write (0-1)")

	rootCmd.AddCommand(benchCmd)
}
