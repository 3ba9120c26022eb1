// Package main provides the agentloop CLI: the API server plus small clients
// for streaming a chat turn and watching a session.
//
// Start the server:
//
//	agentloop serve
//
// Send one turn to an existing session:
//
//	agentloop chat --session <id> --message "hello"
//
// Mirror a session's events as other clients stream them:
//
//	agentloop watch --session <id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// clientFlags are shared by the commands that talk to a running server.
type clientFlags struct {
	server string
	token  string
	teamID string
	userID string
}

func buildRootCmd() *cobra.Command {
	flags := &clientFlags{}

	rootCmd := &cobra.Command{
		Use:          "agentloop",
		Short:        "Reasoning-gated agent run loop service",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.server, "server", envOr("AGENTLOOP_SERVER", "http://localhost:8080"), "API server base URL")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("AGENTLOOP_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().StringVar(&flags.teamID, "team", "", "Team id header (servers without JWT_SECRET)")
	rootCmd.PersistentFlags().StringVar(&flags.userID, "user", "", "User id header (servers without JWT_SECRET)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(flags),
		buildWatchCmd(flags),
		buildTokenCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
