// Package cli is the orderguard command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/orderguard/config"
	"github.com/rustyeddy/orderguard/internal/logging"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type rootOptions struct {
	ConfigPath string
	LogLevel   string

	cfg *config.Config
	log *zap.Logger
}

func NewRootCmd() *cobra.Command {
	ro := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "orderguard",
		Short: "Idempotent order execution and position risk management",
		Long: `orderguard sends entry, protective and exit orders to a futures venue
exactly once, follows each position through break-even, trailing and
partial exits, and reconciles its state with the venue after restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&ro.ConfigPath, "config", "", "path to config file (YAML or JSON); defaults are used when empty")
	cmd.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "", "override logging.level: debug|info|warn|error")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return ro.load()
	}
	cmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if ro.log != nil {
			_ = ro.log.Sync()
		}
	}

	cmd.AddCommand(
		newRunCmd(ro),
		newStateCmd(ro),
		newJournalCmd(ro),
		newConfigCmd(ro),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "orderguard %s\n", Version)
			},
		},
	)
	return cmd
}

func (ro *rootOptions) load() error {
	cfg := config.Default()
	if ro.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(ro.ConfigPath); err != nil {
			return err
		}
	} else {
		cfg.ApplyEnv()
	}
	if ro.LogLevel != "" {
		cfg.Logging.Level = ro.LogLevel
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	ro.cfg, ro.log = cfg, log
	return nil
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
