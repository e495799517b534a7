package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kalandra-client",
	Short: "Kalandra client - interactive REPL for an end-to-end encrypted room",
	Long: `kalandra-client drives a clientsm.Client over a websocket connection to
a kalandra-server, keeping all MLS group state and sender-key ratchets
local: the server only ever sees opaque ciphertext frames.`,
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
	// - repl.go: connectCmd
}
