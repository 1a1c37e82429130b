package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/s4mc0/hbai-go/internal/rag"
	"github.com/s4mc0/hbai-go/internal/transcript"
)

type fakeChatModel struct {
	response string
	err      error
	calls    int
	got      []*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.calls++
	m.got = in
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.response, nil), nil
}

func (m *fakeChatModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(context.Background(), in)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

type fakeRetriever struct {
	results  []rag.ScoredChunk
	err      error
	gotQuery string
}

func (r *fakeRetriever) Retrieve(_ context.Context, query string) ([]rag.ScoredChunk, error) {
	r.gotQuery = query
	if r.err != nil {
		return nil, r.err
	}
	return r.results, nil
}

type fakeRewriter struct {
	rewritten  string
	gotHistory int
}

func (r *fakeRewriter) Rewrite(_ context.Context, history []*schema.Message, utterance string) string {
	r.gotHistory = len(history)
	if r.rewritten == "" {
		return utterance
	}
	return r.rewritten
}

func chunk(id string, page int, text string, score float32) rag.ScoredChunk {
	return rag.ScoredChunk{
		Chunk: rag.Chunk{ID: id, Text: text, Page: page, Source: "handbook.pdf"},
		Score: score,
	}
}

const checkupResponse = "Concise Answer: Checkups are covered every 2 months for infants.\n" +
	"Reasoning: Page 2 of the handbook states that well-child visits are covered " +
	"at 2, 4, 6, 9 and 12 months of age."

func newTestSession(t *testing.T, cfg *Config) *Session {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func Test_Ask_AnswersWithCitedPages(t *testing.T) {
	t.Parallel()
	chat := &fakeChatModel{response: checkupResponse}
	retriever := &fakeRetriever{results: []rag.ScoredChunk{
		chunk("c1", 2, "Well-child visits are covered at 2, 4, 6, 9 and 12 months.", 0.92),
		chunk("c2", 2, "Bring your member ID card to every visit.", 0.67),
		chunk("c3", 5, "Immunizations are covered with no copay.", 0.41),
	}}
	s := newTestSession(t, &Config{ChatModel: chat, Retriever: retriever})

	ans, err := s.Ask(context.Background(), "How often are infant checkups covered?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if ans.Concise != "Checkups are covered every 2 months for infants." {
		t.Errorf("concise answer = %q", ans.Concise)
	}
	if !strings.Contains(ans.Text, "Reasoning:") {
		t.Errorf("full text must keep the reasoning section, got %q", ans.Text)
	}
	// Page 2 appears twice in the sources but is cited once.
	if len(ans.CitedPages) != 2 || ans.CitedPages[0] != 2 || ans.CitedPages[1] != 5 {
		t.Errorf("cited pages = %v, want [2 5]", ans.CitedPages)
	}
	if len(ans.Sources) != 3 {
		t.Errorf("want 3 sources, got %d", len(ans.Sources))
	}

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("want 1 history turn, got %d", len(history))
	}
	if history[0].Answer != ans.Concise {
		t.Errorf("history records %q, want the concise answer", history[0].Answer)
	}

	// The generation input ends with the retrieved context and the question.
	last := chat.got[len(chat.got)-1]
	if last.Role != schema.User || last.Content != "How often are infant checkups covered?" {
		t.Errorf("last message = %+v, want the user question", last)
	}
	ctxMsg := chat.got[len(chat.got)-2]
	if ctxMsg.Role != schema.System || !strings.Contains(ctxMsg.Content, "page 2") {
		t.Errorf("context message missing page attribution: %+v", ctxMsg)
	}
}

func Test_Ask_ExitKeywordEndsSession(t *testing.T) {
	t.Parallel()
	chat := &fakeChatModel{response: checkupResponse}
	s := newTestSession(t, &Config{ChatModel: chat, Retriever: &fakeRetriever{}})

	for _, input := range []string{"  EXIT  ", "exit", "Exit"} {
		s = newTestSession(t, &Config{ChatModel: chat, Retriever: &fakeRetriever{}})
		if _, err := s.Ask(context.Background(), input); !errors.Is(err, ErrEnded) {
			t.Errorf("Ask(%q) = %v, want ErrEnded", input, err)
		}
		if !s.Ended() {
			t.Errorf("session not marked ended after %q", input)
		}
	}

	// Once ended, every further Ask fails the same way.
	if _, err := s.Ask(context.Background(), "still there?"); !errors.Is(err, ErrEnded) {
		t.Errorf("ended session Ask = %v, want ErrEnded", err)
	}
	if chat.calls != 0 {
		t.Errorf("exit keyword made %d model calls, want 0", chat.calls)
	}
}

func Test_Ask_RetrievalFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()
	chat := &fakeChatModel{response: checkupResponse}
	retriever := &fakeRetriever{err: rag.ErrRetrievalUnavailable}
	s := newTestSession(t, &Config{ChatModel: chat, Retriever: retriever})

	_, err := s.Ask(context.Background(), "What is covered?")
	if !errors.Is(err, rag.ErrRetrievalUnavailable) {
		t.Fatalf("want ErrRetrievalUnavailable, got %v", err)
	}
	if len(s.History()) != 0 {
		t.Error("failed turn must not enter the history")
	}
	if chat.calls != 0 {
		t.Errorf("generation ran despite retrieval failure (%d calls)", chat.calls)
	}

	// The session is still usable.
	retriever.err = nil
	retriever.results = []rag.ScoredChunk{chunk("c1", 1, "text", 0.5)}
	if _, err := s.Ask(context.Background(), "What is covered?"); err != nil {
		t.Errorf("session unusable after transient failure: %v", err)
	}
}

func Test_Ask_GenerationFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()
	chat := &fakeChatModel{err: errors.New("model offline")}
	retriever := &fakeRetriever{results: []rag.ScoredChunk{chunk("c1", 1, "text", 0.5)}}
	s := newTestSession(t, &Config{ChatModel: chat, Retriever: retriever})

	_, err := s.Ask(context.Background(), "What is covered?")
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("want ErrGeneration, got %v", err)
	}
	if len(s.History()) != 0 {
		t.Error("failed turn must not enter the history")
	}
}

func Test_Ask_RewriterShapesRetrievalQuery(t *testing.T) {
	t.Parallel()
	chat := &fakeChatModel{response: checkupResponse}
	retriever := &fakeRetriever{results: []rag.ScoredChunk{chunk("c1", 1, "text", 0.5)}}
	rewriter := &fakeRewriter{rewritten: "What dental services does the plan cover?"}
	s := newTestSession(t, &Config{ChatModel: chat, Retriever: retriever, Rewriter: rewriter})

	// Seed one turn so the rewriter sees history.
	if _, err := s.Ask(context.Background(), "What does the plan cover?"); err != nil {
		t.Fatalf("first ask: %v", err)
	}
	if _, err := s.Ask(context.Background(), "what about dental?"); err != nil {
		t.Fatalf("second ask: %v", err)
	}

	if retriever.gotQuery != "What dental services does the plan cover?" {
		t.Errorf("retrieval query = %q, want the rewritten question", retriever.gotQuery)
	}
	if rewriter.gotHistory != 2 {
		t.Errorf("rewriter saw %d history messages, want 2", rewriter.gotHistory)
	}

	// Generation still receives the question as typed.
	last := chat.got[len(chat.got)-1]
	if last.Content != "what about dental?" {
		t.Errorf("generation got %q, want the original question", last.Content)
	}
}

func Test_Ask_PersistsTranscript(t *testing.T) {
	t.Parallel()
	records, err := transcript.Open(":memory:")
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	t.Cleanup(func() { _ = records.Close() })

	chat := &fakeChatModel{response: checkupResponse}
	retriever := &fakeRetriever{results: []rag.ScoredChunk{chunk("c1", 2, "text", 0.5)}}
	s := newTestSession(t, &Config{ChatModel: chat, Retriever: retriever, Transcript: records})

	if _, err := s.Ask(context.Background(), "How often are checkups covered?"); err != nil {
		t.Fatalf("ask: %v", err)
	}

	turns, err := records.Recent(context.Background(), s.ID(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("want 1 transcript turn, got %d", len(turns))
	}
	if turns[0].Answer != "Checkups are covered every 2 months for infants." {
		t.Errorf("transcript answer = %q", turns[0].Answer)
	}
	if len(turns[0].CitedPages) != 1 || turns[0].CitedPages[0] != 2 {
		t.Errorf("transcript cited pages = %v, want [2]", turns[0].CitedPages)
	}
}

func Test_New_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(&Config{Retriever: &fakeRetriever{}}); err == nil {
		t.Error("nil chat model must be rejected")
	}
	if _, err := New(&Config{ChatModel: &fakeChatModel{}}); err == nil {
		t.Error("nil retriever must be rejected")
	}
}

func Test_ParseConciseAnswer(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		text string
		want string
	}{
		{
			name: "both labels",
			text: "Concise Answer: Yes, covered.\nReasoning: Page 4 says so.",
			want: "Yes, covered.",
		},
		{
			name: "reasoning only",
			text: "Yes, covered.\nReasoning: Page 4 says so.",
			want: "Yes, covered.",
		},
		{
			name: "no labels",
			text: "The handbook does not mention this.",
			want: "The handbook does not mention this.",
		},
		{
			name: "multiline concise section",
			text: "Concise Answer:\nYes, fully covered\nfor all members.\nReasoning: detail.",
			want: "Yes, fully covered\nfor all members.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := parseConciseAnswer(tc.text); got != tc.want {
				t.Errorf("parseConciseAnswer(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}
