// Package cmd implements the kiln CLI wrapper's subcommands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"kiln/internal/cliconfig"
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "kiln wraps cargo with a remote build cache",
}

// Execute runs the CLI, returning the first error any subcommand hit.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (cliconfig.Config, error) {
	cfg, err := cliconfig.Load()
	if err != nil {
		return cliconfig.Config{}, fmt.Errorf("loading kiln config: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(cargoCmd)
	rootCmd.AddCommand(daemonCmd)
}
