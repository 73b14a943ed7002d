// Package cli implements the maildispatch command line.
package cli

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lattiq/maildispatch"
)

type globalFlags struct {
	cfgPath string
	isDebug bool
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "maildispatch",
		Short: "Transactional email dispatch",
		Long:  `maildispatch sends pre-rendered email through a provider API behind retries and a circuit breaker.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.cfgPath, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVar(&flags.isDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newSendCommand(flags),
		newConfigCommand(flags),
		newVersionCommand(),
	)
	return rootCmd
}

// loadConfig reads the config file and environment, applying --debug.
func (f *globalFlags) loadConfig() (maildispatch.Config, error) {
	cfg, err := maildispatch.LoadConfig(f.cfgPath)
	if err != nil {
		return cfg, err
	}
	if f.isDebug {
		cfg.Monitoring.Logging.Enabled = true
		cfg.Monitoring.Logging.Level = "debug"
		cfg.Monitoring.Logging.Format = "console"
		cfg.Monitoring.Logging.Output = "stderr"
	}
	return cfg, nil
}
