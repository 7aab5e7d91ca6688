package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/pulse/internal/store/db"
	"github.com/mschirtzinger/pulse/internal/store/local"
	"github.com/mschirtzinger/pulse/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maintenance",
	Short:   "Apply pending schema migrations",
	Long: `Apply every pending migration to the local database and report the state
of each one. Migrations also run automatically whenever the store is opened;
this command only makes the step visible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		tier := local.New(cfg.DataDir)
		if err := tier.Attach(); err != nil {
			return err
		}
		defer tier.Release()

		d, err := db.Open(ctx, tier.DBPath(), db.Options{
			Driver: cfg.Engine.Driver,
			Logger: log.WithField("component", "db"),
		})
		if err != nil {
			return err
		}
		defer d.Close()

		results, err := d.RunMigrations(ctx)
		if jsonOutput {
			if perr := printJSON(cmd, migrationViews(results)); perr != nil {
				return perr
			}
			return err
		}

		out := cmd.OutOrStdout()
		for _, r := range results {
			mark := ui.RenderMuted("·")
			switch r.State {
			case db.MigrationApplied:
				mark = ui.RenderPass("✓")
			case db.MigrationFailed:
				mark = ui.RenderFail("✗")
			}
			fmt.Fprintf(out, "%s %3d %-28s %s\n", mark, r.Version, r.Name, r.State)
		}
		if err != nil {
			return err
		}

		v, err := d.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s Schema at version %d\n", ui.RenderPass("✓"), v)
		return nil
	},
}

type migrationView struct {
	Version    int    `json:"version"`
	Name       string `json:"name"`
	State      string `json:"state"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

func migrationViews(results []db.MigrationResult) []migrationView {
	out := make([]migrationView, len(results))
	for i, r := range results {
		out[i] = migrationView{
			Version:    r.Version,
			Name:       r.Name,
			State:      r.State.String(),
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

type checkReport struct {
	Integrity   db.IntegrityReport       `json:"integrity"`
	ForeignKeys []db.ForeignKeyViolation `json:"foreignKeys"`
	SearchIndex *db.IndexReport          `json:"searchIndex"`
}

func (r *checkReport) ok() bool {
	return r.Integrity.OK() && len(r.ForeignKeys) == 0 && r.SearchIndex.OK()
}

var checkCmd = &cobra.Command{
	Use:     "check",
	GroupID: "maintenance",
	Short:   "Verify database integrity, foreign keys and the search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, d, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		integrity, err := d.IntegrityCheck(ctx)
		if err != nil {
			return err
		}
		fks, err := d.ForeignKeyCheck(ctx)
		if err != nil {
			return err
		}
		index, err := d.CheckSearchIndex(ctx)
		if err != nil {
			return err
		}
		report := &checkReport{Integrity: integrity, ForeignKeys: fks, SearchIndex: index}

		if jsonOutput {
			if err := printJSON(cmd, report); err != nil {
				return err
			}
		} else {
			printCheck(cmd, report)
		}
		if !report.ok() {
			return errProblems
		}
		return nil
	},
}

func printCheck(cmd *cobra.Command, r *checkReport) {
	out := cmd.OutOrStdout()
	if r.Integrity.OK() {
		fmt.Fprintf(out, "%s integrity check passed\n", ui.RenderPass("✓"))
	} else {
		fmt.Fprintf(out, "%s integrity check failed:\n%s\n", ui.RenderFail("✗"), r.Integrity)
	}

	if len(r.ForeignKeys) == 0 {
		fmt.Fprintf(out, "%s no foreign key violations\n", ui.RenderPass("✓"))
	} else {
		fmt.Fprintf(out, "%s %d foreign key violations\n", ui.RenderFail("✗"), len(r.ForeignKeys))
		for _, v := range r.ForeignKeys {
			fmt.Fprintf(out, "    %s row %d -> %s\n", v.Table, v.RowID, v.Parent)
		}
	}

	if r.SearchIndex.OK() {
		fmt.Fprintf(out, "%s search index in sync\n", ui.RenderPass("✓"))
		return
	}
	fmt.Fprintf(out, "%s search index drift (run `pulse reindex`):\n", ui.RenderWarn("⚠"))
	for _, group := range []struct {
		label string
		refs  []db.IndexRef
	}{
		{"missing", r.SearchIndex.Missing},
		{"duplicated", r.SearchIndex.Duplicated},
		{"orphaned", r.SearchIndex.Orphaned},
	} {
		for _, ref := range group.refs {
			fmt.Fprintf(out, "    %-10s %s %d (%d rows)\n", group.label, ref.SourceType, ref.SourceID, ref.Count)
		}
	}
}

var reindexCmd = &cobra.Command{
	Use:     "reindex",
	GroupID: "maintenance",
	Short:   "Rebuild the full-text search index from the base tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, d, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := d.RebuildSearchIndex(ctx); err != nil {
			return err
		}
		report, err := d.CheckSearchIndex(ctx)
		if err != nil {
			return err
		}
		if !report.OK() {
			return fmt.Errorf("search index still out of sync after rebuild: %+v", report)
		}
		if jsonOutput {
			return printJSON(cmd, report)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s search index rebuilt\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(reindexCmd)
}
