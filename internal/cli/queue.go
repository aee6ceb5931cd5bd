package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var priorityNames = map[int]string{
	0: "high",
	1: "medium",
	2: "low",
	3: "extra-low",
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show jobs waiting for a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/queue")
			if err != nil {
				return fmt.Errorf("get queue: %w", err)
			}

			var entries []struct {
				Job struct {
					Action       string `json:"action"`
					SubmissionID string `json:"submission_id"`
				} `json:"job"`
				Priority  int    `json:"priority"`
				Timestamp string `json:"timestamp"`
			}
			if err := json.Unmarshal(resp.Data, &entries); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(entries) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}

			fmt.Printf("%-10s  %-14s  %-10s  %s\n", "ACTION", "SUBMISSION", "PRIORITY", "SINCE")
			fmt.Printf("%-10s  %-14s  %-10s  %s\n", "------", "----------", "--------", "-----")
			for _, e := range entries {
				name := priorityNames[e.Priority]
				if name == "" {
					name = fmt.Sprintf("%d", e.Priority)
				}
				fmt.Printf("%-10s  %-14s  %-10s  %s\n", e.Job.Action, e.Job.SubmissionID, name, e.Timestamp)
			}
			return nil
		},
	}
}

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Show worker shards and what they are doing",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/workers")
			if err != nil {
				return fmt.Errorf("get workers: %w", err)
			}

			var workers []struct {
				Shard     int    `json:"shard"`
				Connected bool   `json:"connected"`
				Since     string `json:"since"`
				Job       *struct {
					Action       string `json:"action"`
					SubmissionID string `json:"submission_id"`
				} `json:"job"`
			}
			if err := json.Unmarshal(resp.Data, &workers); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("%-6s  %-10s  %s\n", "SHARD", "STATE", "JOB")
			fmt.Printf("%-6s  %-10s  %s\n", "-----", "-----", "---")
			for _, w := range workers {
				state := "offline"
				if w.Connected {
					state = "idle"
				}
				job := "-"
				if w.Job != nil {
					state = "busy"
					job = fmt.Sprintf("%s %s (since %s)", w.Job.Action, w.Job.SubmissionID, w.Since)
				}
				fmt.Printf("%-6d  %-10s  %s\n", w.Shard, state, job)
			}
			return nil
		},
	}
}
