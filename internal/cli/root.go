// Package cli implements the nuka-memory commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nuka-memory",
	Short: "Cognitive memory engine with dream and sleep consolidation",
	Long: "nuka-memory stores knowledge nodes with dual-strength retention, " +
		"spaced-repetition scheduling and accessibility states, and consolidates " +
		"them offline through four-phase dream cycles or the legacy sleep pipeline.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file, JSON or YAML (default: $CONFIG_PATH or configs/nuka-memory.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dreamCmd)
	rootCmd.AddCommand(sleepCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(mcpCmd)
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "configs/nuka-memory.yaml"
}
