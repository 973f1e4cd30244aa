// Package main is the arbor CLI: the event-sourced coding agent server
// and the maintenance commands that operate on its database.
//
// Start the server:
//
//	arbor serve --config arbor.yaml
//
// Inspect sessions and their event logs:
//
//	arbor sessions list
//	arbor events show <session-id>
//
// Store a provider credential:
//
//	arbor login anthropic
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree. Separated from main so tests
// can execute commands in-process.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "arbor",
		Short: "arbor - event-sourced coding agent server",
		Long: `Arbor runs coding agent sessions as append-only event logs and serves
them to clients over a WebSocket RPC gateway. Sessions fork by sharing
history up to the branch point; providers, tools, hooks and context
management all hang off the same log.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildSessionsCmd(),
		buildEventsCmd(),
		buildConfigCmd(),
		buildLoginCmd(),
	)
	return root
}
