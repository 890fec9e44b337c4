package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var claimOperator string

var claimCmd = &cobra.Command{
	Use:   "claim <task-uuid>",
	Short: "Assign a pending task to an operator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if claimOperator == "" {
			return fmt.Errorf("--operator is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		view, err := client().assignTask(ctx, args[0], claimOperator)
		if err != nil {
			return err
		}
		fmt.Printf("claimed %s (%s) for %s\n", view.UUID, view.Domain, claimOperator)
		return nil
	},
}

func init() {
	claimCmd.Flags().StringVar(&claimOperator, "operator", "", "operator name to assign the task to")
}
