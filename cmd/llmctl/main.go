// llmctl is the operator CLI for the orchestrator: apply flowcharts
// from YAML, trigger and stop runs, inspect run and node state, stream
// realtime events, and push or pull instruction packs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var cfg cliConfig

	root := &cobra.Command{
		Use:           "llmctl",
		Short:         "Control the llmctl agent workflow orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.server, "server", envOr("LLMCTL_SERVER", "http://localhost:8080"), "orchestrator base URL")
	root.PersistentFlags().StringVar(&cfg.token, "token", os.Getenv("LLMCTL_API_TOKEN"), "bearer token for the API")
	root.PersistentFlags().BoolVar(&cfg.jsonOut, "json", false, "print raw JSON responses")

	root.AddCommand(
		newApplyCmd(&cfg),
		newRunCmd(&cfg),
		newGetCmd(&cfg),
		newStopCmd(&cfg),
		newEventsCmd(&cfg),
		newPackCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cliConfig struct {
	server  string
	token   string
	jsonOut bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
