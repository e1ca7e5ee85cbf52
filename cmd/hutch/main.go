package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - distributed object runtime",
	Long: `Hutch runs self-contained objects across a cluster of stations.
Each object carries its own state, logs, versions and files; the
cluster replicates them and routes requests to wherever the object
lives.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("station", "http://localhost:8001", "Station API address")

	rootCmd.AddCommand(stationCmd)
	rootCmd.AddCommand(objectCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(clusterCmd)
}
