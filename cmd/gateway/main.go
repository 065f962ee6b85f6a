package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "gateway",
		Short:   "LLM API gateway with routing, failover and nanodollar billing",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("GATEWAY_CONFIG", configPath)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newLogsCmd(),
		newPricesCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
