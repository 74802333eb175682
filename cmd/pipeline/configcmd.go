package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/llmobs/telemetry-pipeline/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect pipeline configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate configuration from the environment",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.FromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfigError)
		}
		fmt.Printf("Configuration OK\n%s\n", cfg.String())
		os.Exit(exitOK)
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
