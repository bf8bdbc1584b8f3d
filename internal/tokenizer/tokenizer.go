// Package tokenizer estimates prompt tokens with tiktoken encodings. The
// estimate is recorded next to upstream-reported usage and is used when an
// upstream reports none.
package tokenizer

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/allaspectsdev/llmrelay/internal/provider"
)

const (
	encCL100k = "cl100k_base"
	encO200k  = "o200k_base"
)

// Tokenizer provides token counting using tiktoken encodings.
// Encodings are cached via sync.Once to avoid repeated initialization.
type Tokenizer struct {
	cl100kOnce sync.Once
	cl100kEnc  *tiktoken.Tiktoken
	cl100kErr  error

	o200kOnce sync.Once
	o200kEnc  *tiktoken.Tiktoken
	o200kErr  error
}

// modelPrefixes maps model name prefixes to encodings, longest prefix
// first so "gpt-4o" wins over "gpt-4".
var modelPrefixes = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o-mini", encO200k},
	{"gpt-4o", encO200k},
	{"gpt-4.1", encO200k},
	{"gpt-5", encO200k},
	{"chatgpt-4o", encO200k},
	{"o1", encO200k},
	{"o3", encO200k},
	{"o4", encO200k},
	{"gpt-4", encCL100k},
	{"gpt-3.5", encCL100k},
}

// New creates a new Tokenizer instance.
func New() *Tokenizer {
	return &Tokenizer{}
}

// GetEncoding returns the encoding name for the given model. Models outside
// the OpenAI families (qwen, glm, deepseek, claude, ...) use cl100k_base as
// an approximation.
func (t *Tokenizer) GetEncoding(model string) string {
	lower := strings.ToLower(model)
	if i := strings.LastIndexByte(lower, '/'); i >= 0 {
		lower = lower[i+1:]
	}
	for _, m := range modelPrefixes {
		if strings.HasPrefix(lower, m.prefix) {
			return m.encoding
		}
	}
	return encCL100k
}

// getEncoder returns the cached tiktoken encoder for the given model.
func (t *Tokenizer) getEncoder(model string) (*tiktoken.Tiktoken, error) {
	switch t.GetEncoding(model) {
	case encO200k:
		t.o200kOnce.Do(func() {
			t.o200kEnc, t.o200kErr = tiktoken.GetEncoding(encO200k)
		})
		return t.o200kEnc, t.o200kErr
	default:
		t.cl100kOnce.Do(func() {
			t.cl100kEnc, t.cl100kErr = tiktoken.GetEncoding(encCL100k)
		})
		return t.cl100kEnc, t.cl100kErr
	}
}

// CountTokens counts the number of tokens in text for the specified model.
// It returns 0 when the encoding cannot be loaded.
func (t *Tokenizer) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := t.getEncoder(model)
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimatePrompt approximates the prompt tokens of a chat request. Each
// message incurs a 4-token overhead for role framing and the reply is
// primed with 3 more.
func (t *Tokenizer) EstimatePrompt(model string, msgs []provider.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	enc, err := t.getEncoder(model)
	if err != nil {
		return 0
	}

	total := 0
	for _, msg := range msgs {
		// <im_start>{role}\n ... <im_end>\n
		total += 4
		total += len(enc.Encode(msg.Role, nil, nil))
		total += len(enc.Encode(msg.Text, nil, nil))
	}
	// <im_start>assistant<im_sep>
	total += 3

	return total
}
