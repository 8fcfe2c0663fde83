package conversation

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/smqterm/internal/types"
)

// TokenCounter estimates how much of the backend's context window a
// transcript occupies. Purely informational: it feeds the TUI footer and
// `session show`, never any protocol decision.
type TokenCounter struct {
	tokenizer *tiktoken.Tiktoken
}

// NewTokenCounter selects a tokenizer for the given model name, falling back
// to cl100k_base for unknown models.
func NewTokenCounter(model string) (*TokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TokenCounter{tokenizer: enc}, nil
}

// Count returns the token count for one string.
func (c *TokenCounter) Count(text string) int {
	return len(c.tokenizer.Encode(text, nil, nil))
}

// CountTranscript sums token counts over turn contents and recorded steps.
func (c *TokenCounter) CountTranscript(turns []types.Turn) int {
	total := 0
	for _, turn := range turns {
		total += c.Count(turn.Content)
		for _, step := range turn.Steps {
			total += c.Count(step.Content)
		}
	}
	return total
}
