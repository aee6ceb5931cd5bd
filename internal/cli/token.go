package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <submission_id>",
		Short: "Spend a token on a submission to prioritize its evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if _, err := client.Post("/api/v1/submissions/"+id+"/token", nil); err != nil {
				return fmt.Errorf("use token: %w", err)
			}
			fmt.Printf("Token spent on %s\n", id)
			return nil
		},
	}
}
