package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			stats, err := a.pipeline.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"ingestion complete in %s: %d documents (%d skipped), %d upserted, %d moved, %d deleted, %d unchanged\n",
				time.Since(start).Round(time.Millisecond),
				stats.ProcessedDocuments, stats.SkippedDocuments,
				stats.UpsertedChunks, stats.MovedChunks,
				stats.DeletedChunks, stats.UnchangedChunks)
			return nil
		},
	}
}
