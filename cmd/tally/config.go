package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	ierr "github.com/tallybook/tally/internal/errors"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if jsonOutput {
			return printJSON(cfg.Settings())
		}
		if err := cfg.Render(os.Stdout, format); err != nil {
			return ierr.WithError(err).WithHint("Use --format yaml or --format toml").Mark(ierr.ErrValidation)
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Source == "" {
			fmt.Println("(defaults and environment only)")
			return
		}
		fmt.Println(cfg.Source)
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "yaml or toml")
	configCmd.AddCommand(configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
