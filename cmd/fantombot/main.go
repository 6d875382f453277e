// Fantombot runs a Telegram bot and its HTTP health endpoint in one process.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fantombot",
	Short: "Telegram bot with a built-in HTTP health and metrics server",
	Long: `Fantombot long-polls the Telegram Bot API and dispatches updates to its
handlers while serving /health and /metrics over HTTP. Both loops are
supervised together and shut down as a unit on SIGINT or SIGTERM.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, configCmd, stopCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
