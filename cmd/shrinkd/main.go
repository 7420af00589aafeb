// Package main provides the shrinkd CLI: the pipeline daemon plus a small
// operator client for the running daemon's API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appVersion = "0.3.1"

var (
	configPath string
	apiAddr    string
)

func main() {
	root := &cobra.Command{
		Use:           "shrinkd",
		Short:         "Library-wide AV1 re-encode pipeline daemon",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8989", "address of a running daemon")

	root.AddCommand(
		newServeCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newResetCmd(),
		newStatusCmd(),
		newWatchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
