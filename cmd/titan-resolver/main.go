// Package main provides titan-resolver, a terminal front-end for human
// operators working the CAPTCHA resolver queue over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:   "titan-resolver",
	Short: "Operator CLI/TUI for Titan's CAPTCHA resolver queue",
	Long: `titan-resolver talks to a running Titan instance's /resolver/* API so a
human operator can claim, solve, and inspect CAPTCHA escalations without
opening a browser.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("TITAN_RESOLVER_URL", "http://localhost:8191"), "Titan server base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", envOr("TITAN_RESOLVER_TOKEN", ""), "resolver JWT bearer token")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(tuiCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *resolverClient {
	return newResolverClient(serverURL, authToken)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
