package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <submission_id>",
		Short: "Check the status of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/submissions/" + id)
			if err != nil {
				return fmt.Errorf("get submission: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			taskName, _ := data["task_name"].(string)
			tokened, _ := data["tokened"].(bool)

			fmt.Printf("Submission: %s\n", id)
			fmt.Printf("  Task:     %s\n", taskName)
			fmt.Printf("  Tokened:  %t\n", tokened)
			fmt.Printf("  Compilation: %s\n", phaseLine(data, "compilation"))
			fmt.Printf("  Evaluation:  %s\n", phaseLine(data, "evaluation"))

			if ts, ok := data["timestamp"].(string); ok {
				fmt.Printf("  Submitted:   %s\n", ts)
			}
			return nil
		},
	}
}

// phaseLine renders one pipeline phase ("pending", "ok after 2 tries", ...).
func phaseLine(data map[string]any, phase string) string {
	outcome, _ := data[phase+"_outcome"].(string)
	tries, _ := data[phase+"_tries"].(float64)
	if outcome == "" {
		if tries > 0 {
			return fmt.Sprintf("pending (%d failed tries)", int(tries))
		}
		return "pending"
	}
	if tries > 1 {
		return fmt.Sprintf("%s after %d tries", outcome, int(tries))
	}
	return outcome
}
