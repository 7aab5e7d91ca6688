package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/pulse/internal/config"
	"github.com/mschirtzinger/pulse/internal/store/backup"
	"github.com/mschirtzinger/pulse/internal/ui"
)

var folderCmd = &cobra.Command{
	Use:     "folder",
	GroupID: "backup",
	Short:   "Choose, inspect or forget the backup folder",
	Long: `The backup folder receives a full copy of the data after every change. It
is usually a directory synced by another tool (a cloud drive, a network
share). On startup the copy in the folder is restored when it is newer than
the local data.`,
}

var folderSetCmd = &cobra.Command{
	Use:   "set PATH",
	Short: "Use PATH as the backup folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		yes, _ := cmd.Flags().GetBool("yes")

		ask := prompter
		if yes {
			ask = backup.PrompterFunc(func(context.Context, string, string) (bool, error) {
				return true, nil
			})
		}

		h, err := backup.NewDirHandle(args[0], false, ask)
		if err != nil {
			return err
		}
		perm, err := h.RequestPermission(ctx)
		if err != nil {
			return err
		}
		if perm != backup.PermissionGranted {
			return fmt.Errorf("%w: permission %s for %s", errNotConfirmed, perm, h.Path())
		}

		handles := backup.NewHandleStore(config.Dir())
		if err := handles.SaveHandle(h); err != nil {
			return err
		}

		existing, err := backup.ReadSnapshot(h)
		if err != nil {
			log.WithError(err).Warn("backup folder contains an unreadable snapshot")
		}
		if jsonOutput {
			return printJSON(cmd, map[string]any{"folder": h.Path(), "existingSnapshot": existing != nil})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Backup folder set to %s\n", ui.RenderPass("✓"), h.Path())
		if existing != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s the folder already holds a snapshot saved %s; it is restored on next start if newer than local data\n",
				ui.RenderWarn("⚠"), existing.Timestamp().Local().Format(time.DateTime))
		}
		return nil
	},
}

type folderView struct {
	Folder     string     `json:"folder,omitempty"`
	Source     string     `json:"source"`
	Consented  bool       `json:"consented"`
	ChosenAt   *time.Time `json:"chosenAt,omitempty"`
	Permission string     `json:"permission"`
	SavedAt    *time.Time `json:"savedAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

var folderShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the backup folder and its permission state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rec, err := backup.NewHandleStore(config.Dir()).Load()
		if err != nil {
			return err
		}

		view := folderView{Source: "none", Permission: backup.PermissionDenied.String()}
		if rec != nil {
			view.Source = "remembered"
			view.Folder = rec.Path
			view.Consented = rec.Consented
			chosen := rec.ChosenAt
			view.ChosenAt = &chosen
		}
		if cfg.Backup.Folder != "" {
			view.Source = "config"
			view.Folder = cfg.Backup.Folder
			view.Consented = rec != nil && sameFolder(rec.Path, cfg.Backup.Folder) && rec.Consented
		}

		if view.Folder != "" {
			h, err := backup.NewDirHandle(view.Folder, view.Consented, nil)
			if err != nil {
				return err
			}
			view.Folder = h.Path()
			perm, err := h.QueryPermission(ctx)
			view.Permission = perm.String()
			if err != nil {
				view.Error = err.Error()
			} else if snap, err := backup.ReadSnapshot(h); err != nil {
				view.Error = err.Error()
			} else if snap != nil {
				ts := snap.Timestamp()
				view.SavedAt = &ts
			}
		}

		if jsonOutput {
			return printJSON(cmd, view)
		}
		out := cmd.OutOrStdout()
		if view.Folder == "" {
			fmt.Fprintf(out, "%s no backup folder; run `pulse folder set PATH`\n", ui.RenderWarn("⚠"))
			return nil
		}
		fmt.Fprintf(out, "Folder:     %s (%s)\n", view.Folder, view.Source)
		fmt.Fprintf(out, "Permission: %s\n", view.Permission)
		if !cfg.Backup.Enabled {
			fmt.Fprintf(out, "            %s backups are disabled in the config\n", ui.RenderWarn("⚠"))
		}
		if view.SavedAt != nil {
			fmt.Fprintf(out, "Snapshot:   saved %s\n", view.SavedAt.Local().Format(time.DateTime))
		}
		if view.Error != "" {
			fmt.Fprintf(out, "%s %s\n", ui.RenderFail("Error:"), view.Error)
		}
		return nil
	},
}

var folderForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Stop backing up to the remembered folder",
	Long: `Forget drops the remembered folder and its consent. Files already in the
folder are left alone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := backup.NewHandleStore(config.Dir()).Forget(); err != nil {
			return err
		}
		if cfg.Backup.Folder != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s backup.folder is still set in the config\n", ui.RenderWarn("⚠"))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Backup folder forgotten\n", ui.RenderPass("✓"))
		return nil
	},
}

var folderSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Write a fresh snapshot into the backup folder now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, d, err := openStore(ctx, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := d.Persist(ctx); err != nil {
			return err
		}
		st := m.Bridge().Status()
		if jsonOutput {
			return printJSON(cmd, st)
		}
		if st.LastError != "" || st.LastSync == nil {
			msg := st.LastError
			if msg == "" {
				msg = "no backup folder available"
			}
			return errors.New(msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Snapshot written to %s\n", ui.RenderPass("✓"), st.Folder)
		return nil
	},
}

func init() {
	folderSetCmd.Flags().BoolP("yes", "y", false, "consent without a prompt")

	folderCmd.AddCommand(folderSetCmd, folderShowCmd, folderForgetCmd, folderSyncCmd)
	rootCmd.AddCommand(folderCmd)
}
