// Command pipeline hosts the telemetry analysis pipeline: an HTTP
// intake, a bounded worker pool running the analyzers, the incident
// query API, and a Prometheus metrics endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes:
//
//	0 - normal exit
//	1 - configuration error
//	2 - fatal startup (required leaf adapter unreachable)
//	3 - unrecoverable internal error
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStartupError  = 2
	exitInternalError = 3
)

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "LLM telemetry analysis pipeline",
	Long: `The telemetry analysis pipeline ingests per-request LLM telemetry,
classifies each record against security and anomaly policies, raises
incidents, and emits monitoring metrics.

Configuration is read from TELEMETRY_* environment variables; every
threshold has a documented default. Run 'pipeline config validate' to
check a configuration without starting anything.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInternalError)
	}
}
