package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luciuslab/concierge/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a starter configuration file",
	Long: `Write the default configuration to the config path so it can be
edited. Existing values loaded from the file and environment are kept.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Configuration written.")
	return nil
}
