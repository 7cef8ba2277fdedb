package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/calflow/internal/logging"
)

// rootOptions holds global flags and the config they resolve to.
type rootOptions struct {
	configPath string
	viper      *viper.Viper
	cfg        *Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{viper: viper.New()}

	cmd := &cobra.Command{
		Use:           "calflow",
		Short:         "calflow - workflow execution engine for calendar automations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			for key, name := range map[string]string{"log.level": "log-level", "log.format": "log-format"} {
				if err := opts.viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
					return fmt.Errorf("bind --%s: %w", name, err)
				}
			}
			cfg, err := loadConfig(opts.viper, opts.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./calflow.yaml if present)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "json", "log format: json, text")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newApproveCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newDiagramCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}
