package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s4mc0/hbai-go/internal/logging"
	"github.com/s4mc0/hbai-go/internal/transcript"
)

// NewHistoryCmd constructs the `hbai history` command, which prints recent
// question/answer exchanges from the transcript store.
func NewHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent questions and answers",
		Long: `History prints the most recent exchanges recorded across all sessions,
oldest first. Transcripts live in a local SQLite database
(HBAI_HISTORY_DB, default ~/.hbai/history.db).`,
		Example: `  hbai history
  hbai history --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			dbPath := os.Getenv("HBAI_HISTORY_DB")
			if dbPath == "" || dbPath == "disabled" {
				var err error
				dbPath, err = transcript.DefaultDBPath()
				if err != nil {
					return err
				}
			}

			store, err := transcript.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open transcript store at %s: %w", dbPath, err)
			}
			defer func() { _ = store.Close() }()

			turns, err := store.RecentAll(ctx, limit)
			if err != nil {
				return fmt.Errorf("read transcript: %w", err)
			}
			if len(turns) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recorded exchanges yet.")
				return nil
			}

			log.Debug("transcript read", "turns", len(turns))
			out := cmd.OutOrStdout()
			for i, turn := range turns {
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprintf(out, "[%s] Q: %s\n", turn.CreatedAt.Format("2006-01-02 15:04"), turn.Question)
				fmt.Fprintf(out, "A: %s\n", turn.Answer)
				if len(turn.CitedPages) > 0 {
					pages := make([]string, len(turn.CitedPages))
					for j, p := range turn.CitedPages {
						pages[j] = strconv.Itoa(p)
					}
					fmt.Fprintf(out, "Pages: %s\n", strings.Join(pages, ", "))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of exchanges to show")
	return cmd
}
