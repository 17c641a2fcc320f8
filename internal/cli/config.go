package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/orderguard/config"
)

func newConfigCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate configuration files",
		Long: `Manage configuration files.

Examples:
  orderguard config init -o orderguard.yaml
  orderguard config validate -f orderguard.yaml`,
	}

	var output string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Default().SaveToFile(output); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "orderguard.yaml", "output path (.yaml/.yml or .json)")

	var path string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that a configuration file loads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(path)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration valid: %s\n", path)
			fmt.Fprintf(out, "  state:   %s\n", cfg.State.Backend)
			fmt.Fprintf(out, "  journal: %s\n", cfg.Journal.Type)
			fmt.Fprintf(out, "  symbols: %s\n", strings.Join(cfg.SymbolNames(), ", "))
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&path, "file", "f", "", "config file to check (required)")
	_ = validateCmd.MarkFlagRequired("file")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
