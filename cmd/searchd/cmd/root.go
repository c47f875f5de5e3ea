// Package cmd provides the CLI commands for searchd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/connexus-ai/searchd/pkg/version"
)

var configPath string

// NewRootCmd creates the root command for the searchd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "searchd",
		Short: "Per-organization semantic document search engine",
		Long: `searchd indexes an organization's documents into a permission-aware
vector index and answers semantic queries against it.

Documents are chunked, contextualized, and embedded at ingestion time;
queries are filtered by access level before results leave the engine.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("searchd version {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
