// Package cmd provides the CLI commands for the Runlok server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runlok/runlok/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runlok",
	Short: "Runlok - policy decisions and tamper-evident audit for agent tool calls",
	Long: `Runlok is a local policy decision point for AI agent tool calls.

Agents (via the SDK or the tamesdk CLI) ask Runlok before running a tool;
Runlok evaluates the call against a YAML policy, answers allow, deny, or
approve, and appends the decision to a hash-chained audit log whose
integrity can be verified later.

Quick start:
  1. Write a policy file: policies.yml
  2. Run: runlok start --dev

Configuration:
  Config is loaded from runlok.yaml in the current directory,
  $HOME/.runlok/, or /etc/runlok/.

  Environment variables can override config values with the RUNLOK_ prefix.
  Example: RUNLOK_SERVER_ADDR=127.0.0.1:9000

Commands:
  start       Start the server
  stop        Stop the running server
  hash-token  Hash an API token for the auth.token config field
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./runlok.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
