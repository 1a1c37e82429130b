// Package session orchestrates a multi-turn question/answer conversation
// over the indexed handbook. Each turn rewrites the question against the
// conversation so far, retrieves supporting chunks, generates a grounded
// answer, and records the exchange. A session ends when the user types the
// configured exit keyword.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/s4mc0/hbai-go/internal/budget"
	"github.com/s4mc0/hbai-go/internal/logging"
	"github.com/s4mc0/hbai-go/internal/metrics"
	"github.com/s4mc0/hbai-go/internal/rag"
	"github.com/s4mc0/hbai-go/internal/transcript"
)

// ErrEnded is returned by Ask once the session has been closed by the exit
// keyword. A new Session must be started to continue.
var ErrEnded = errors.New("session ended")

// ErrGeneration marks a failed answer generation. The turn leaves no trace
// in the conversation history; the user may simply retry.
var ErrGeneration = errors.New("answer generation failed")

// DefaultExitKeyword ends the session when typed on its own
// (case-insensitive).
const DefaultExitKeyword = "exit"

// answerPromptTemplate is the system prompt for answer generation. The two
// labelled sections keep the quick answer separable from the supporting
// detail, which is what gets recorded in the conversation history.
const answerPromptTemplate = `You are a helpful AI assistant specializing in the %s.
Answer the user's question ONLY based on the provided context.
If the answer is not found in the context, clearly state that you don't have
enough information from the handbook to answer the question. Do not make up
answers.

First, provide a concise answer on a line starting with "Concise Answer:".
Then, in a separate section starting with "Reasoning:", elaborate on your
answer, directly quoting or paraphrasing key details from the context to
support your response.`

// QuestionRewriter condenses a follow-up question into a standalone one.
// Satisfied by rewrite.Rewriter.
type QuestionRewriter interface {
	Rewrite(ctx context.Context, history []*schema.Message, utterance string) string
}

// Answer is the result of a single successful turn.
type Answer struct {
	// Text is the full model response, including the reasoning section.
	Text string
	// Concise is the short answer parsed from the response. It is what the
	// conversation history and transcript record.
	Concise string
	// CitedPages are the unique handbook page numbers of the supporting
	// chunks, in retrieval order.
	CitedPages []int
	// Sources are the supporting chunks, best first.
	Sources []rag.ScoredChunk
}

// Turn is a completed question/answer exchange held in session memory.
type Turn struct {
	Question string
	Answer   string
}

// Config holds the dependencies and settings for a Session.
type Config struct {
	// ChatModel generates answers. Required.
	ChatModel model.BaseChatModel

	// Retriever supplies supporting chunks for each question. Required.
	Retriever rag.Retriever

	// Rewriter condenses follow-up questions. Optional; without it every
	// question is retrieved as typed.
	Rewriter QuestionRewriter

	// Transcript durably records completed turns. Optional.
	Transcript transcript.Store

	// Limiter throttles generation calls. Optional.
	Limiter *rate.Limiter

	// ExitKeyword ends the session when typed on its own (case-insensitive).
	// Defaults to DefaultExitKeyword.
	ExitKeyword string

	// HandbookName names the document in the answer prompt,
	// e.g. "Aetna Better Health of Illinois Member Handbook".
	// Defaults to "member handbook".
	HandbookName string

	// MaxContextTokens is the estimated token budget for the full input
	// context. Defaults to budget.DefaultMaxContextTokens.
	MaxContextTokens int
}

// Session is a single in-memory conversation. Not safe for concurrent use;
// each interactive client owns exactly one.
type Session struct {
	id        string
	chatModel model.BaseChatModel
	retriever rag.Retriever
	rewriter  QuestionRewriter
	records   transcript.Store
	limiter   *rate.Limiter

	exitKeyword      string
	systemPrompt     string
	maxContextTokens int

	history []Turn
	ended   bool
}

// New constructs a Session from the given config.
func New(cfg *Config) (*Session, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("session: ChatModel must not be nil")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("session: Retriever must not be nil")
	}

	exitKeyword := cfg.ExitKeyword
	if exitKeyword == "" {
		exitKeyword = DefaultExitKeyword
	}
	name := cfg.HandbookName
	if name == "" {
		name = "member handbook"
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}

	return &Session{
		id:               uuid.NewString(),
		chatModel:        cfg.ChatModel,
		retriever:        cfg.Retriever,
		rewriter:         cfg.Rewriter,
		records:          cfg.Transcript,
		limiter:          cfg.Limiter,
		exitKeyword:      exitKeyword,
		systemPrompt:     fmt.Sprintf(answerPromptTemplate, name),
		maxContextTokens: maxCtx,
	}, nil
}

// ID returns the unique identifier of this session, used as the transcript
// key.
func (s *Session) ID() string { return s.id }

// Ended reports whether the session has been closed by the exit keyword.
func (s *Session) Ended() bool { return s.ended }

// History returns the completed turns of this session, oldest first.
func (s *Session) History() []Turn { return s.history }

// Ask runs one turn: rewrite, retrieve, generate, record. The question is
// answered only from retrieved handbook chunks. Typing the exit keyword
// (case-insensitive, surrounding whitespace ignored) closes the session and
// returns ErrEnded. A failed turn leaves the conversation history untouched.
func (s *Session) Ask(ctx context.Context, question string) (*Answer, error) {
	if s.ended {
		return nil, ErrEnded
	}
	trimmed := strings.TrimSpace(question)
	if strings.EqualFold(trimmed, s.exitKeyword) {
		s.ended = true
		return nil, ErrEnded
	}

	log := logging.FromContext(ctx)

	// Stage 1: condense the follow-up into a standalone question.
	query := trimmed
	if s.rewriter != nil {
		query = s.rewriter.Rewrite(ctx, s.historyMessages(), trimmed)
		if query != trimmed {
			log.Debug("session: rewrote question",
				slog.String("original", trimmed),
				slog.String("rewritten", query),
			)
		}
	}

	// Stage 2: retrieve supporting chunks.
	sources, err := s.retriever.Retrieve(ctx, query)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("retrieval_error").Inc()
		return nil, fmt.Errorf("session: retrieve: %w", err)
	}

	// Stage 3: generate the grounded answer.
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			metrics.TurnsTotal.WithLabelValues("generation_error").Inc()
			return nil, fmt.Errorf("session: rate limit: %w: %v", ErrGeneration, err)
		}
	}

	resp, err := s.chatModel.Generate(ctx, s.buildMessages(trimmed, sources))
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("generation_error").Inc()
		return nil, fmt.Errorf("session: generate: %w: %v", ErrGeneration, err)
	}

	answer := &Answer{
		Text:       strings.TrimSpace(resp.Content),
		Sources:    sources,
		CitedPages: citedPages(sources),
	}
	answer.Concise = parseConciseAnswer(answer.Text)

	// The turn is complete; record it.
	s.history = append(s.history, Turn{Question: trimmed, Answer: answer.Concise})
	if s.records != nil {
		err := s.records.Append(ctx, s.id, transcript.Turn{
			Question:   trimmed,
			Answer:     answer.Concise,
			CitedPages: answer.CitedPages,
		})
		if err != nil {
			// A lost transcript row never fails the turn.
			log.Warn("session: transcript append failed", slog.Any("error", err))
		}
	}

	metrics.TurnsTotal.WithLabelValues("ok").Inc()
	return answer, nil
}

// buildMessages assembles the generation input: system prompt, trimmed
// conversation history, retrieved context, and the user's question as typed.
func (s *Session) buildMessages(question string, sources []rag.ScoredChunk) []*schema.Message {
	fixed := []*schema.Message{
		schema.SystemMessage(s.systemPrompt),
		schema.SystemMessage(buildContext(sources)),
		schema.UserMessage(question),
	}
	history := budget.TrimHistory(fixed, s.historyMessages(), s.maxContextTokens)

	messages := make([]*schema.Message, 0, len(history)+3)
	messages = append(messages, fixed[0])
	messages = append(messages, history...)
	messages = append(messages, fixed[1], fixed[2])
	return messages
}

// historyMessages converts completed turns into chat messages, oldest first.
func (s *Session) historyMessages() []*schema.Message {
	msgs := make([]*schema.Message, 0, 2*len(s.history))
	for _, t := range s.history {
		msgs = append(msgs, schema.UserMessage(t.Question))
		msgs = append(msgs, schema.AssistantMessage(t.Answer, nil))
	}
	return msgs
}

// buildContext formats retrieved chunks into a system message. Each excerpt
// carries its page number so the model can ground statements precisely.
func buildContext(sources []rag.ScoredChunk) string {
	var sb strings.Builder
	sb.WriteString("Context from the handbook:\n\n")
	for i, src := range sources {
		fmt.Fprintf(&sb, "[Excerpt %d, page %d]\n%s\n\n", i+1, src.Page, src.Text)
	}
	return sb.String()
}

// citedPages returns the unique page numbers of the sources, preserving
// retrieval order.
func citedPages(sources []rag.ScoredChunk) []int {
	seen := make(map[int]bool, len(sources))
	var pages []int
	for _, src := range sources {
		if !seen[src.Page] {
			seen[src.Page] = true
			pages = append(pages, src.Page)
		}
	}
	return pages
}

// parseConciseAnswer extracts the text between the "Concise Answer:" and
// "Reasoning:" labels. When the model ignores the format the full text is
// returned, so a sloppy response still produces a usable history entry.
func parseConciseAnswer(text string) string {
	const (
		conciseLabel   = "Concise Answer:"
		reasoningLabel = "Reasoning:"
	)

	body := text
	if idx := strings.Index(body, conciseLabel); idx >= 0 {
		body = body[idx+len(conciseLabel):]
	} else if strings.Contains(body, reasoningLabel) {
		// Reasoning present without the concise label: keep what precedes it.
	} else {
		return strings.TrimSpace(text)
	}

	if idx := strings.Index(body, reasoningLabel); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}
