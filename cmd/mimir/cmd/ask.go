package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mimir-rag/mimir/internal/answer"
	"github.com/mimir-rag/mimir/internal/retrieve"
)

func newAskCmd() *cobra.Command {
	var matchCount int
	var noStream bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question against the indexed documentation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")

			a, err := buildApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			matches, err := a.retriever.Search(cmd.Context(), question,
				retrieve.Options{MatchCount: matchCount, SimilarityThreshold: -1})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if noStream {
				composed, err := a.composer.Compose(cmd.Context(), question, matches, "")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, composed.Answer)
				printSources(out, composed.Sources)
				return nil
			}

			err = a.composer.ComposeStream(cmd.Context(), question, matches, "",
				nil,
				func(delta string) error {
					_, err := fmt.Fprint(out, delta)
					return err
				})
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().IntVar(&matchCount, "matches", 0, "Number of chunks to retrieve (0 = configured default)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the full answer instead of streaming")
	return cmd
}

func printSources(out io.Writer, sources []answer.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(out, "\nSources:")
	for _, src := range sources {
		fmt.Fprintf(out, "  - %s: %s\n", src.Title, src.URL)
	}
}
