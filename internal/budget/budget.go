// Package budget bounds the input context sent to the generation model.
// A session's prompt grows every turn (system prompt, retrieved handbook
// excerpts, conversation history, current question); this package estimates
// its token cost and drops the oldest history first when it would overflow.
//
// Several model backends with different tokenizers are supported, so the
// estimate uses a character heuristic: 1 token per 4 characters of English
// prose. That undercounts on purpose, leaving headroom for tokenizer
// differences and per-request overhead.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

// charsPerToken is the character-to-token ratio of the heuristic.
const charsPerToken = 4

// messageOverheadTokens is the fixed per-message cost most chat APIs charge
// on top of the content.
const messageOverheadTokens = 4

// DefaultMaxContextTokens is the input budget used when the caller does not
// set one. It fits 8k-context models with room left for the answer.
const DefaultMaxContextTokens = 6000

// Estimate returns the heuristic token count for s. Non-empty strings cost
// at least one token.
func Estimate(s string) int {
	if n := len(s) / charsPerToken; n > 0 {
		return n
	}
	if len(s) > 0 {
		return 1
	}
	return 0
}

// EstimateMessages returns the estimated total token cost of msgs,
// including role names and per-message overhead.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageTokens(m)
	}
	return total
}

func messageTokens(m *schema.Message) int {
	return messageOverheadTokens + Estimate(string(m.Role)) + Estimate(m.Content)
}

// TrimHistory drops the oldest history messages until fixed plus the
// remaining history fits within maxTokens. fixed holds the messages that
// are never dropped (system prompt, retrieved context, the current
// question); history holds prior turns, oldest first.
//
// When fixed alone exceeds the budget the whole history is dropped and the
// caller proceeds with the fixed messages only.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	remaining := maxTokens - EstimateMessages(fixed)

	// History rarely exceeds a few dozen messages; a linear front-drop scan
	// is clear and fast enough.
	for len(history) > 0 && EstimateMessages(history) > remaining {
		history = history[1:]
	}
	return history
}
