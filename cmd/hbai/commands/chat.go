package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/s4mc0/hbai-go/internal/logging"
	"github.com/s4mc0/hbai-go/internal/session"
	"github.com/s4mc0/hbai-go/internal/tracing"
)

// NewChatCmd constructs the `hbai chat` command, the interactive
// question-answering loop over the handbook.
func NewChatCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive handbook Q&A session",
		Long: `Start an interactive session that answers questions about the handbook.

On first run the handbook PDF is downloaded, split into passages, and
indexed; later runs reuse the persisted index. Each question is answered
from the most relevant passages, with page citations.

Type the exit keyword (default "exit") or press Ctrl-D to leave.`,
		Example: `  hbai chat
  MODEL_PROVIDER=openai hbai chat
  COHERE_API_KEY=... hbai chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Setup Langfuse tracing. Opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Debug("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			startMetrics(metricsAddr, log)

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

			return runREPL(ctx, cmd, sess)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus /metrics listener (e.g. :9091)")
	return cmd
}

// runREPL reads questions from stdin until EOF, the exit keyword, or
// context cancellation.
func runREPL(ctx context.Context, cmd *cobra.Command, sess *session.Session) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Ask a question about the handbook (type \"exit\" to quit).")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		question := scanner.Text()
		if question == "" {
			continue
		}

		ans, err := sess.Ask(ctx, question)
		switch {
		case errors.Is(err, session.ErrEnded):
			fmt.Fprintln(out, "Goodbye.")
			return nil
		case errors.Is(err, session.ErrGeneration):
			fmt.Fprintf(out, "The model could not answer that question: %v\n", err)
			continue
		case err != nil:
			fmt.Fprintf(out, "Could not look that up: %v\n", err)
			continue
		}

		fmt.Fprintln(out)
		printAnswer(out, ans)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	fmt.Fprintln(out, "\nGoodbye.")
	return nil
}
