package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/titan-scrape/titan/internal/types"
)

var (
	submitClearance  string
	submitUserAgent  string
	submitCookies    []string
	submitUnsolvable bool
	submitNotes      string
)

var submitCmd = &cobra.Command{
	Use:   "submit <task-uuid>",
	Short: "Submit a solved CAPTCHA clearance, or mark a task unsolvable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		taskID := args[0]

		if submitUnsolvable {
			if err := client().markUnsolvable(ctx, taskID, submitNotes); err != nil {
				return err
			}
			fmt.Printf("marked %s unsolvable\n", taskID)
			return nil
		}

		if submitClearance == "" {
			return fmt.Errorf("--cf-clearance is required unless --unsolvable is set")
		}
		cookies, err := parseCookiePairs(submitCookies)
		if err != nil {
			return err
		}
		solution := types.SolveTaskRequest{
			ClearanceCookie: submitClearance,
			UserAgent:       submitUserAgent,
			Cookies:         cookies,
		}
		if err := client().solveTask(ctx, taskID, solution); err != nil {
			return err
		}
		fmt.Printf("submitted solution for %s\n", taskID)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitClearance, "cf-clearance", "", "the cf_clearance cookie value")
	submitCmd.Flags().StringVar(&submitUserAgent, "user-agent", "", "the user agent the clearance was issued under")
	submitCmd.Flags().StringArrayVar(&submitCookies, "cookie", nil, "additional cookie as name=value (repeatable)")
	submitCmd.Flags().BoolVar(&submitUnsolvable, "unsolvable", false, "mark the task unsolvable instead of submitting a solution")
	submitCmd.Flags().StringVar(&submitNotes, "notes", "", "operator notes attached to an unsolvable task")
}

func parseCookiePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --cookie %q, expected name=value", p)
		}
		out[name] = value
	}
	return out, nil
}
