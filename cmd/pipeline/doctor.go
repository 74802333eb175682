package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmobs/telemetry-pipeline/internal/aiclient"
	"github.com/llmobs/telemetry-pipeline/internal/config"
	"github.com/llmobs/telemetry-pipeline/internal/store"
)

var doctorDBPath string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check leaf-adapter reachability and configuration health",
	Long: `Run the startup health checks without starting the pipeline:
configuration parse, record store open/ping, and AI client reachability.

Exit codes:
  0 - all checks passed
  1 - configuration error
  2 - a required leaf adapter is unreachable`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDoctor())
	},
}

func init() {
	doctorCmd.Flags().StringVar(&doctorDBPath, "db", "data/pipeline.db", "sqlite database path")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor() int {
	fmt.Println("Running pipeline health checks...")

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Printf("  FAIL configuration: %v\n", err)
		return exitConfigError
	}
	fmt.Printf("  ok   configuration: %s\n", cfg.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.NewSQLiteStore(doctorDBPath)
	if err != nil {
		fmt.Printf("  FAIL record store: %v\n", err)
		return exitStartupError
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		fmt.Printf("  FAIL record store ping: %v\n", err)
		return exitStartupError
	}
	fmt.Printf("  ok   record store: %s\n", doctorDBPath)

	retry := aiclient.DefaultRetryConfig()
	retry.MaxRetries = 0
	retry.PerCallTimeout = cfg.PerCallTimeout
	client := aiclient.NewAnthropicClient("", cfg.ModelName, retry, nil)
	if _, err := client.Complete(ctx, aiclient.Request{Prompt: "ping", MaxOutputTokens: 1}); err != nil {
		fmt.Printf("  FAIL ai client: %v\n", err)
		return exitStartupError
	}
	fmt.Printf("  ok   ai client: %s\n", cfg.ModelName)

	fmt.Println("All checks passed")
	return exitOK
}
