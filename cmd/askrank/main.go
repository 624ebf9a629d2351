package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "askrank",
		Short:         "askrank: fair ranking of citizen questions",
		Long:          "Clusters duplicate questions, scores votes with decay and anomaly weighting, and publishes a portfolio-balanced Top-Set per contest.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ASKRANK_CONFIG"), "path to config YAML (default: built-in defaults)")

	root.AddCommand(
		serveCmd(&configPath),
		checkConfigCmd(&configPath),
		consolidateCmd(&configPath),
		recomputeCmd(&configPath),
		topsetCmd(&configPath),
		embedCmd(&configPath),
		notifyTestCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
