package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
}

// TaskManifest is the YAML shape of hutch task apply.
type TaskManifest struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one task entry of a manifest.
type TaskSpec struct {
	Object      string                 `yaml:"object"`
	Method      string                 `yaml:"method"`
	Schedule    string                 `yaml:"schedule"`
	Type        string                 `yaml:"type,omitempty"`
	Payload     map[string]interface{} `yaml:"payload,omitempty"`
	MaxAttempts int                    `yaml:"maxAttempts,omitempty"`
}

var taskApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a task manifest",
	Long: `Apply scheduled tasks from a YAML manifest.

Example manifest:

  tasks:
    - object: counter
      method: GET
      schedule: "*/5 * * * *"
      type: cron
    - object: calculator
      method: POST
      schedule: "2026-09-01T08:00:00"
      type: onetime
      payload:
        op: add
        a: 1
        b: 2`,
	RunE: runTaskApply,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task records",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := stationClient(cmd).Get("scheduler", nil)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel an active task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := stationClient(cmd).Post("scheduler", map[string]interface{}{
			"action":  "cancel_task",
			"task_id": args[0],
		})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func runTaskApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var manifest TaskManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(manifest.Tasks) == 0 {
		return fmt.Errorf("manifest has no tasks")
	}

	c := stationClient(cmd)
	for _, t := range manifest.Tasks {
		payload := map[string]interface{}{
			"action":   "add_task",
			"object":   t.Object,
			"method":   t.Method,
			"schedule": t.Schedule,
		}
		if t.Type != "" {
			payload["type"] = t.Type
		}
		if t.Payload != nil {
			payload["payload"] = t.Payload
		}
		if t.MaxAttempts > 0 {
			payload["max_attempts"] = t.MaxAttempts
		}

		resp, err := c.Post("scheduler", payload)
		if err != nil {
			return fmt.Errorf("failed to add task for %s.%s: %w", t.Object, t.Method, err)
		}
		fmt.Printf("✓ Task created: %s.%s @ %s (ID: %v)\n", t.Object, t.Method, t.Schedule, resp["task_id"])
	}
	return nil
}

func init() {
	taskApplyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = taskApplyCmd.MarkFlagRequired("file")

	taskCmd.AddCommand(taskApplyCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
}
