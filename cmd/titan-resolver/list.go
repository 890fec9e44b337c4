package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/titan-scrape/titan/internal/types"
)

var listStatus string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending CAPTCHA tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tasks, err := client().listTasks(ctx, listStatus)
		if err != nil {
			return err
		}
		printTaskTable(tasks)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "pending", "filter by task status (empty for all)")
}

func printTaskTable(tasks []types.TaskView) {
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tDOMAIN\tSTATUS\tCHALLENGE\tPRIORITY\tASSIGNED\tATTEMPTS")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
			t.UUID, t.Domain, t.Status, t.ChallengeType, t.Priority, t.AssignedTo, t.Attempts)
	}
	w.Flush()
}
