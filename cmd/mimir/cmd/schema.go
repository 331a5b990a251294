package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mimir-rag/mimir/internal/store"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the store DDL (table, indexes, search functions)",
		Long:  `Print the SQL schema to apply to the Postgres store, including the pgvector table and the match_docs search functions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), store.Schema)
			return err
		},
	}
}
