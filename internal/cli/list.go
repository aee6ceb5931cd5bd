package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/submissions/")
			if err != nil {
				return fmt.Errorf("list submissions: %w", err)
			}

			var page struct {
				Submissions []map[string]any `json:"submissions"`
				Total       int              `json:"total"`
			}
			if err := json.Unmarshal(resp.Data, &page); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(page.Submissions) == 0 {
				fmt.Println("No submissions found.")
				return nil
			}

			fmt.Printf("%-14s  %-20s  %-12s  %-12s  %s\n", "ID", "TASK", "COMPILATION", "EVALUATION", "SUBMITTED")
			fmt.Printf("%-14s  %-20s  %-12s  %-12s  %s\n", "--", "----", "-----------", "----------", "---------")
			for _, sub := range page.Submissions {
				id, _ := sub["id"].(string)
				task, _ := sub["task_name"].(string)
				ts, _ := sub["timestamp"].(string)
				fmt.Printf("%-14s  %-20s  %-12s  %-12s  %s\n",
					id, task, orPending(sub, "compilation_outcome"), orPending(sub, "evaluation_outcome"), ts)
			}

			if page.Total > len(page.Submissions) {
				fmt.Printf("\n(%d of %d shown)\n", len(page.Submissions), page.Total)
			}
			return nil
		},
	}
}

func orPending(sub map[string]any, key string) string {
	if s, _ := sub[key].(string); s != "" {
		return s
	}
	return "pending"
}
