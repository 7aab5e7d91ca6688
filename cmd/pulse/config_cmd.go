package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/pulse/internal/config"
	"github.com/mschirtzinger/pulse/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maintenance",
	Short:   "Create or print the configuration",
	Long: `Settings are read from $XDG_CONFIG_HOME/pulse/config.toml (or --config),
then overridden by PULSE_* environment variables (PULSE_DATA_DIR,
PULSE_BACKUP_ENABLED, PULSE_LOG_LEVEL, ...) and finally by flags.`,
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(config.Dir(), config.FileName)
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a config file with the default settings",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationCreatesConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath()
		if err := config.Default().WriteFile(path, force); err != nil {
			if !force {
				return fmt.Errorf("%w (use --force to overwrite)", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if jsonOutput {
			format = "json"
		}

		var (
			data []byte
			err  error
		)
		switch format {
		case "toml":
			data, err = cfg.TOML()
		case "yaml":
			data, err = cfg.YAML()
		case "json":
			return printJSON(cmd, cfg)
		default:
			return fmt.Errorf("unknown format %q (want toml, yaml or json)", format)
		}
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configShowCmd.Flags().String("format", "toml", "output format: toml, yaml or json")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
