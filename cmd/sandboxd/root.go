package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Sandbox session coordinator",
	Long:  `sandboxd fronts a remote sandbox-execution provider behind a session-oriented MCP tool surface.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
