package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/pulse/internal/store/db"
	"github.com/mschirtzinger/pulse/internal/ui"
)

func sqlArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

var queryCmd = &cobra.Command{
	Use:     "query SQL [ARG...]",
	GroupID: "data",
	Short:   "Run a read query with positional ? parameters",
	Example: `  pulse query "SELECT id, title, status FROM projects WHERE status = ?" Red`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, d, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		if jsonOutput {
			rows, err := d.Query(ctx, args[0], sqlArgs(args[1:])...)
			if err != nil {
				return err
			}
			if rows == nil {
				rows = []db.Row{}
			}
			return printJSON(cmd, rows)
		}

		columns, values, err := d.QueryTable(ctx, args[0], sqlArgs(args[1:])...)
		if err != nil {
			return err
		}
		if err := writeTable(cmd.OutOrStdout(), columns, values); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", ui.RenderMuted(fmt.Sprintf("(%d rows)", len(values))))
		return nil
	},
}

func writeTable(w io.Writer, columns []string, values [][]any) error {
	table := tablewriter.NewWriter(w)
	table.Header(columns)
	for _, row := range values {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = fmt.Sprint(v)
			}
		}
		if err := table.Append(cells); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	return table.Render()
}

var execCmd = &cobra.Command{
	Use:     "exec SQL [ARG...]",
	GroupID: "data",
	Short:   "Run a write statement and mirror the result to the backup folder",
	Example: `  pulse exec "UPDATE projects SET status = ? WHERE id = ?" Amber 3`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, d, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		res, err := d.Run(ctx, args[0], sqlArgs(args[1:])...)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d rows affected (last insert id %d)\n",
			ui.RenderPass("✓"), res.RowsAffected, res.LastInsertID)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:     "search TEXT",
	GroupID: "data",
	Short:   "Full-text search over projects, tasks and work log entries",
	Long: `Search matches every word as a prefix, and all words must match. Results are
ranked best first.`,
	Example: `  pulse search quarterly rep
  pulse search --projects budget`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		if !cmd.Flags().Changed("limit") {
			limit = cfg.Search.Limit
		}
		projectsOnly, _ := cmd.Flags().GetBool("projects")

		m, d, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		text := strings.Join(args, " ")
		if projectsOnly {
			ids, err := d.SearchProjectIDs(ctx, text, limit)
			if err != nil {
				return err
			}
			if ids == nil {
				ids = []int64{}
			}
			if jsonOutput {
				return printJSON(cmd, ids)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		}

		results, err := d.Search(ctx, text, limit)
		if err != nil {
			return err
		}
		if results == nil {
			results = []db.SearchResult{}
		}
		if jsonOutput {
			return printJSON(cmd, results)
		}
		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintf(out, "%s no matches\n", ui.RenderMuted("·"))
			return nil
		}
		for _, r := range results {
			fmt.Fprintf(out, "%s %s\n", ui.RenderAccent(fmt.Sprintf("%-8s %4d", r.SourceType, r.SourceID)), ui.HighlightSnippet(r.Snippet))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntP("limit", "n", db.DefaultSearchLimit, fmt.Sprintf("maximum results (1-%d)", db.MaxSearchLimit))
	searchCmd.Flags().Bool("projects", false, "print matching project ids only")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(searchCmd)
}
