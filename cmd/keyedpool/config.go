package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nossrannug/psycopg2-connection-pool/lib/config"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", opts.configPath)
			}
			if err := config.SaveConfig(config.DefaultConfig(), opts.configPath); err != nil {
				return err
			}
			slog.Info("wrote default configuration", "path", opts.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration",
		Long: `check loads the configuration file, applies KEYEDPOOL_* environment
overrides and validates the result. A missing file is checked as the defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (driver=%s max_connections=%d idle_timeout=%s)\n",
				opts.configPath, cfg.Database.Driver, cfg.Pool.MaxConnections, cfg.Pool.IdleTimeout.Std())
			return nil
		},
	}

	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}
