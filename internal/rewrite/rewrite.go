// Package rewrite condenses a follow-up question and the conversation so
// far into a standalone question. Retrieval works on single utterances;
// without this step a follow-up like "what about dental?" embeds into a
// vector that matches nothing useful.
package rewrite

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/s4mc0/hbai-go/internal/logging"
	"github.com/s4mc0/hbai-go/internal/metrics"
)

// condensePrompt instructs the model to produce a standalone question.
// The model must output only the question, with no preamble, so the result
// can be embedded directly.
const condensePrompt = `Given the following conversation and a follow up question, rephrase the
follow up question to be a standalone question that can be understood without
the conversation. Keep the question in its original language and preserve its
meaning exactly. If the follow up is already self-contained, return it
unchanged. Respond with ONLY the standalone question, nothing else.`

// Rewriter rewrites follow-up questions using a chat model.
type Rewriter struct {
	chatModel model.BaseChatModel
}

// NewRewriter constructs a Rewriter backed by the given chat model.
func NewRewriter(chatModel model.BaseChatModel) (*Rewriter, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("rewrite: chat model must not be nil")
	}
	return &Rewriter{chatModel: chatModel}, nil
}

// Rewrite returns a standalone version of utterance given the conversation
// history. With no history the utterance is returned verbatim and no model
// call is made. A rewrite failure falls back to the raw utterance: a worse
// retrieval query beats a failed turn.
func (r *Rewriter) Rewrite(ctx context.Context, history []*schema.Message, utterance string) string {
	if len(history) == 0 {
		return utterance
	}

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, schema.SystemMessage(condensePrompt))
	messages = append(messages, history...)
	messages = append(messages, schema.UserMessage("Follow up question: "+utterance))

	resp, err := r.chatModel.Generate(ctx, messages)
	if err != nil {
		logging.FromContext(ctx).Warn("rewrite: model call failed, using raw question",
			slog.Any("error", err),
		)
		metrics.RewriteFallbacks.Inc()
		return utterance
	}

	rewritten := strings.TrimSpace(resp.Content)
	if rewritten == "" {
		metrics.RewriteFallbacks.Inc()
		return utterance
	}
	return rewritten
}
