// Package cmd wires the mnemos CLI: serving the HTTP API plus ingestion and
// maintenance commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mnemos",
	Short: "mnemos is a personal learning-memory engine",
	Long: `mnemos ingests conversational memories, embeds them into a semantic
vector space, organizes them into topical clusters, and serves a knowledge
graph and learning trajectory over HTTP.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mnemos.yaml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newRepairCmd())
	rootCmd.AddCommand(newStatsCmd())
}
