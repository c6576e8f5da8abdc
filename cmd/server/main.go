package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pht-monitor",
	Short: "Tracks train jobs across stations and streams their metrics",
	// errors are reported by main, not by cobra
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(newServeCmd(), newMigrateCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pht-monitor: %v\n", err)
		os.Exit(1)
	}
}
