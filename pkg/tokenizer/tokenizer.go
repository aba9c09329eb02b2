// Package tokenizer counts tokens the way OpenAI-compatible clients expect in
// a usage block.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/entrhq/relay/pkg/types"
)

// Encoding is the BPE used for counting.
const Encoding = "cl100k_base"

// Per-message framing overhead of the chat format.
const (
	tokensPerMessage = 3
	tokensPerReply   = 3
)

// Tokenizer counts tokens. A nil *Tokenizer counts words, which is what the
// gateway falls back to when the encoding cannot be loaded.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// New loads the encoding.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", Encoding, err)
	}
	return &Tokenizer{enc: enc}, nil
}

// CountTokens returns the number of tokens in text.
func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if t == nil || t.enc == nil {
		return len(strings.Fields(text))
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessages returns the prompt tokens of a conversation, framing included.
func (t *Tokenizer) CountMessages(messages []types.Message) int {
	n := tokensPerReply
	for _, m := range messages {
		n += tokensPerMessage + t.CountTokens(string(m.Role)) + t.CountTokens(m.Content)
	}
	return n
}
