package commands

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/s4mc0/hbai-go/internal/logging"
	"github.com/s4mc0/hbai-go/internal/session"
	"github.com/s4mc0/hbai-go/internal/tracing"
)

// NewAskCmd constructs the `hbai ask` command, a one-shot question against
// the handbook.
func NewAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question about the handbook",
		Long: `Ask answers one question and exits. The handbook index is built on
first use and reused afterwards.`,
		Example: `  hbai ask "How often are well-child visits covered?"
  hbai ask what is the copay for urgent care`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
			}

			comps, err := buildRAG(ctx, log)
			if err != nil {
				return err
			}
			defer func() { _ = comps.store.Close() }()

			if err := ensureIndex(ctx, comps, log); err != nil {
				return err
			}

			sess, cleanup, err := buildSession(ctx, comps, log)
			if err != nil {
				return err
			}
			defer cleanup()

			question := strings.Join(args, " ")
			ans, err := sess.Ask(ctx, question)
			if err != nil {
				if errors.Is(err, session.ErrEnded) {
					return fmt.Errorf("%q is the session exit keyword, not a question", question)
				}
				return err
			}

			printAnswer(cmd.OutOrStdout(), ans)
			return nil
		},
	}
	return cmd
}
