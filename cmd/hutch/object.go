package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/client"
)

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Work with objects",
}

func stationClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("station")
	return client.New(addr)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var objectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List objects on a station",
	RunE: func(cmd *cobra.Command, args []string) error {
		objects, err := stationClient(cmd).ListObjects()
		if err != nil {
			return err
		}
		return printJSON(objects)
	},
}

var objectGetCmd = &cobra.Command{
	Use:   "get ADDRESS",
	Short: "Execute an object's GET handler",
	Long: `Execute an object's GET handler. ADDRESS is object_id or
object_id@station_id; query parameters ride along as request fields.

Examples:
  hutch object get counter
  hutch object get counter@station2
  hutch object get "calculator?op=add&a=2&b=3"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, query := splitQuery(args[0])
		resp, err := stationClient(cmd).Get(address, query)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var objectCallCmd = &cobra.Command{
	Use:   "call ADDRESS",
	Short: "Execute an object's POST handler with a JSON payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("data")
		payload := map[string]interface{}{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return fmt.Errorf("invalid --data JSON: %w", err)
			}
		}
		resp, err := stationClient(cmd).Post(args[0], payload)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var objectSourceCmd = &cobra.Command{
	Use:   "source ADDRESS",
	Short: "Show an object's current source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := stationClient(cmd).Source(args[0])
		if err != nil {
			return err
		}
		fmt.Println(src)
		return nil
	},
}

var objectLogsCmd = &cobra.Command{
	Use:   "logs ADDRESS",
	Short: "Show an object's self-log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := stationClient(cmd).Logs(args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var objectVersionsCmd = &cobra.Command{
	Use:   "versions ADDRESS",
	Short: "Show an object's version history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := stationClient(cmd).Versions(args[0], limit)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var objectRollbackCmd = &cobra.Command{
	Use:   "rollback ADDRESS VERSION",
	Short: "Restore a previous version as a new head version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var versionID int
		if _, err := fmt.Sscanf(args[1], "%d", &versionID); err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		resp, err := stationClient(cmd).Rollback(args[0], versionID)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var objectTestCmd = &cobra.Command{
	Use:   "test ADDRESS",
	Short: "Run an object's self-tests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := stationClient(cmd).RunTests(args[0])
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var objectUploadCmd = &cobra.Command{
	Use:   "upload ADDRESS FILE",
	Short: "Store a file on an object",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		resp, err := stationClient(cmd).Upload(args[0], filepath.Base(args[1]), data)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

// splitQuery separates an optional ?k=v tail from an object address.
func splitQuery(arg string) (string, url.Values) {
	u, err := url.Parse(arg)
	if err != nil {
		return arg, nil
	}
	return u.Path, u.Query()
}

func init() {
	objectCallCmd.Flags().StringP("data", "d", "", "JSON request payload")
	objectLogsCmd.Flags().Int("limit", 0, "Maximum entries to return")
	objectVersionsCmd.Flags().Int("limit", 0, "Maximum versions to return")

	objectCmd.AddCommand(objectListCmd)
	objectCmd.AddCommand(objectGetCmd)
	objectCmd.AddCommand(objectCallCmd)
	objectCmd.AddCommand(objectSourceCmd)
	objectCmd.AddCommand(objectLogsCmd)
	objectCmd.AddCommand(objectVersionsCmd)
	objectCmd.AddCommand(objectRollbackCmd)
	objectCmd.AddCommand(objectTestCmd)
	objectCmd.AddCommand(objectUploadCmd)
}
