package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "agent-orch",
		Short: "Agent Orchestrator - kanban-driven autonomous coding agents",
		Long: `Agent Orchestrator runs coding agents against tickets on a kanban board.
Each agent works in its own git worktree on its own branch; the server
monitors the processes, streams their logs, and moves tickets through
the workflow as agents finish.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
