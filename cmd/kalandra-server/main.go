package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kalandra-server",
	Short: "Kalandra server - end-to-end encrypted group messaging relay",
	Long: `kalandra-server hosts the sans-IO server state machine (serversm.Server)
behind a websocket listener, sequencing and fanning out room frames
without ever seeing plaintext message content.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	// Commands are registered in their own files:
	// - serve.go: serveCmd
}
