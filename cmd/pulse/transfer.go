package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/pulse/internal/store/transfer"
	"github.com/mschirtzinger/pulse/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export every table as one JSON document",
	Long: `Export writes projects, tasks, work log entries and dropdown options to a
single JSON document. Without --out the file is named after today's date in
the current directory; --out - writes to stdout.`,
	Example: `  pulse export
  pulse export --out backup.json
  pulse export --out - | jq '.projects | length'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")
		now := time.Now()
		if out == "" {
			out = transfer.ExportFileName(now)
		}

		m, d, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		snap, err := transfer.Export(ctx, d, now)
		if err != nil {
			return err
		}

		if out == "-" {
			return transfer.WriteJSON(cmd.OutOrStdout(), snap)
		}
		if err := transfer.WriteFile(out, snap); err != nil {
			return err
		}

		counts := map[string]int{
			"projects":        len(snap.Projects),
			"tasks":           len(snap.Tasks),
			"workLogEntries":  len(snap.WorkLogEntries),
			"dropdownOptions": len(snap.DropdownOptions),
		}
		if jsonOutput {
			return printJSON(cmd, map[string]any{"path": out, "counts": counts})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d projects, %d tasks, %d work log entries, %d options to %s\n",
			ui.RenderPass("✓"), counts["projects"], counts["tasks"], counts["workLogEntries"], counts["dropdownOptions"], out)
		return nil
	},
}

// errNotConfirmed is returned when a destructive command is declined or
// cannot ask.
var errNotConfirmed = errors.New("not confirmed; pass --yes to proceed without a prompt")

var importCmd = &cobra.Command{
	Use:     "import FILE",
	GroupID: "data",
	Short:   "Replace every table with the contents of an export document",
	Long: `Import validates the whole document first and then replaces all existing
data in one transaction. Nothing is changed when validation or the
transaction fails. FILE may be - to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		yes, _ := cmd.Flags().GetBool("yes")

		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			r = f
		}
		snap, err := transfer.ReadJSON(r)
		if err != nil {
			return err
		}

		if !yes {
			ok, err := prompter.Confirm(ctx,
				"Replace all local data?",
				fmt.Sprintf("%d projects, %d tasks and %d work log entries will replace everything in %s.",
					len(snap.Projects), len(snap.Tasks), len(snap.WorkLogEntries), cfg.DataDir))
			if err != nil {
				return err
			}
			if !ok {
				return errNotConfirmed
			}
		}

		m, d, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		res, err := transfer.Import(ctx, d, snap, transfer.Options{
			Logger: log.WithField("component", "transfer"),
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Imported %d projects, %d tasks, %d work log entries, %d options in %s\n",
			ui.RenderPass("✓"), res.Projects, res.Tasks, res.WorkLogEntries, res.DropdownOptions,
			res.Duration.Round(time.Millisecond))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("out", "o", "", "output file, - for stdout (default pulse-export-DATE.json)")
	importCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
