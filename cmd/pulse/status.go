package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/pulse/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maintenance",
	Short:   "Show store, schema and backup folder status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, _, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		st := m.Status(ctx)
		if jsonOutput {
			return printJSON(cmd, st)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s Pulse Store Status\n\n", ui.RenderAccent("📊"))
		fmt.Fprintf(out, "  State:          %s\n", st.State)
		fmt.Fprintf(out, "  Data directory: %s\n", st.DataDir)
		fmt.Fprintf(out, "  Driver:         %s\n", st.Driver)
		fmt.Fprintf(out, "  Schema version: %d (latest %d)\n", st.SchemaVersion, st.LatestVersion)

		fmt.Fprintf(out, "\n  Records:\n")
		tables := make([]string, 0, len(st.Counts))
		for table := range st.Counts {
			tables = append(tables, table)
		}
		sort.Strings(tables)
		for _, table := range tables {
			fmt.Fprintf(out, "    %-18s %d\n", table, st.Counts[table])
		}

		fmt.Fprintf(out, "\n  Backup folder:\n")
		b := st.Backup
		if !b.Capability {
			fmt.Fprintf(out, "    %s no folder configured, changes stay local\n", ui.RenderWarn("⚠"))
		} else {
			fmt.Fprintf(out, "    Folder:     %s\n", b.Folder)
			fmt.Fprintf(out, "    Permission: %s\n", b.Permission)
			if b.LastSync != nil {
				fmt.Fprintf(out, "    Last sync:  %s\n", b.LastSync.Local().Format(time.DateTime))
			}
		}
		if b.LastError != "" {
			fmt.Fprintf(out, "    %s %s\n", ui.RenderWarn("Last error:"), b.LastError)
		}
		if r := st.Restored; r != nil {
			fmt.Fprintf(out, "\n  %s restored %d projects from %s (saved %s)\n",
				ui.RenderPass("✓"), r.Counts["projects"], r.Folder, r.SavedAt.Local().Format(time.DateTime))
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
