package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "lab-orch",
		Short: "Lab Orchestrator - Sandboxed analysis plan runner",
		Long: `Lab Orchestrator executes data-analysis plans as sandboxed pipelines.
It parses YAML plan documents, runs each step in an isolated interpreter
process with time and memory budgets, retries transient failures, and
keeps full run history with per-step logs.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
