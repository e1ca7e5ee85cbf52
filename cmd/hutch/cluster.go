package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect and operate the cluster",
}

var clusterInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show a station's cluster identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := stationClient(cmd).ClusterInfo()
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var clusterStationsCmd = &cobra.Command{
	Use:   "stations",
	Short: "List the station registry (ask the master)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stations, err := stationClient(cmd).Stations()
		if err != nil {
			return err
		}
		for _, s := range stations {
			state := "down"
			if s.IsActive {
				state = "live"
			}
			fmt.Printf("%-12s %-21s %-5s load=%.1f %s\n",
				s.StationID, fmt.Sprintf("%s:%d", s.Host, s.Port), state,
				s.Metrics.LoadScore(), s.Version)
		}
		return nil
	},
}

var clusterMigrateCmd = &cobra.Command{
	Use:   "migrate OBJECT_ID",
	Short: "Move an object between stations (ask the master)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		copyOnly, _ := cmd.Flags().GetBool("copy-only")

		resp, err := stationClient(cmd).Migrate(args[0], from, to, copyOnly)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func init() {
	clusterMigrateCmd.Flags().String("from", "", "Source station id (required)")
	clusterMigrateCmd.Flags().String("to", "", "Target station id (required)")
	clusterMigrateCmd.Flags().Bool("copy-only", false, "Copy without purging the source")
	_ = clusterMigrateCmd.MarkFlagRequired("from")
	_ = clusterMigrateCmd.MarkFlagRequired("to")

	clusterCmd.AddCommand(clusterInfoCmd)
	clusterCmd.AddCommand(clusterStationsCmd)
	clusterCmd.AddCommand(clusterMigrateCmd)
}
