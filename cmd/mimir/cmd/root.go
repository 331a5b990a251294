// Package cmd provides the CLI commands for Mimir.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mimir-rag/mimir/pkg/version"
)

// NewRootCmd creates the root command for the mimir CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mimir",
		Short: "Retrieval-augmented documentation server",
		Long: `Mimir indexes documentation and source repositories into a vector
store and answers questions over them through an OpenAI-compatible API.

Configuration comes from MIMIR_* environment variables, an optional
.env file, and an optional .mimir.yaml override file.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("mimir version {{.Version}}\n")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
