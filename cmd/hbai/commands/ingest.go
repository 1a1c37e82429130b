package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/s4mc0/hbai-go/internal/logging"
)

// NewIngestCmd constructs the `hbai ingest` command, which builds the
// handbook index without starting a conversation.
func NewIngestCmd() *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Download and index the handbook",
		Long: `Ingest downloads the handbook PDF if needed, extracts its pages, splits
them into overlapping passages, and stores their embeddings in the vector
store. An index that already holds passages is left untouched unless
--rebuild is given.`,
		Example: `  hbai ingest
  hbai ingest --rebuild
  HANDBOOK_URL=https://example.com/handbook.pdf hbai ingest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if rebuild {
				if err := removeChromemIndex(log); err != nil {
					return err
				}
			}

			comps, err := buildRAG(ctx, log)
			if err != nil {
				return err
			}
			defer func() { _ = comps.store.Close() }()

			if err := ensureIndex(ctx, comps, log); err != nil {
				return err
			}

			count, err := comps.store.Count(ctx)
			if err != nil {
				return fmt.Errorf("count indexed passages: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Index ready: %d passages.\n", count)
			return nil
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "discard the existing index and re-embed the handbook")
	return cmd
}

// removeChromemIndex deletes the local chromem index directory so the next
// ingest starts from scratch. Qdrant collections are managed server-side
// and are not touched.
func removeChromemIndex(log *slog.Logger) error {
	if getEnvOrDefault("VECTOR_STORE", "chromem") != "chromem" {
		return fmt.Errorf("--rebuild only supports the chromem store; recreate the Qdrant collection instead")
	}
	path := os.Getenv("INDEX_PATH")
	if path == "" {
		var err error
		path, err = defaultIndexPath()
		if err != nil {
			return err
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove index at %s: %w", path, err)
	}
	log.Info("existing index removed", slog.String("path", path))
	return nil
}
