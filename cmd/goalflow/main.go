// Package main is the entry point for goalflow.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "goalflow",
		Short:         "Goal-driven workflow engine for AI worker agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GOALFLOW_CONFIG"),
		"path to the configuration file (YAML, JSON or TOML)")

	root.AddCommand(
		newServeCmd(&configPath),
		newRunCmd(&configPath),
		newRecoverCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "goalflow %s (commit=%s, built=%s)\n", version, commit, date)
			},
		},
	)
	return root
}
