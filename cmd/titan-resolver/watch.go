package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the pending task queue and print it on every change",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()

		lastCount := -1
		c := client()
		for {
			tasks, err := c.listTasks(ctx, "pending")
			if err != nil {
				fmt.Fprintf(os.Stderr, "poll failed: %v\n", err)
			} else if len(tasks) != lastCount {
				fmt.Printf("--- %s (%d pending) ---\n", time.Now().Format(time.RFC3339), len(tasks))
				printTaskTable(tasks)
				lastCount = len(tasks)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "poll interval")
}
