// Package cmd provides the CLI commands for chatwarden.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chat-warden/chatwarden/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chatwarden",
	Short: "chatwarden - chat approval relay for coding agent tool calls",
	Long: `chatwarden relays coding agent permission requests to a chat operator.

When the agent wants to run a tool, chatwarden posts an approval prompt
to the configured chat, waits for the operator's decision, collects a
rejection reason when one is given, and reports the outcome back to the
agent. Decisions for the same operator are strictly serialized, and a
rejection briefly auto-rejects the burst of follow-up requests behind it.

Quick start:
  1. Create a config file: chatwarden.yaml (telegram token + chat_id)
  2. Register the hook: claude-code PreToolUse -> chatwarden hook

Configuration:
  Config is loaded from chatwarden.yaml in the current directory,
  $HOME/.chatwarden/, or /etc/chatwarden/.

  Environment variables can override config values with the CHATWARDEN_
  prefix. Example: CHATWARDEN_TELEGRAM_CHAT_ID=123456789

Commands:
  hook        Internal: PreToolUse hook handler (reads JSON on stdin)
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./chatwarden.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
