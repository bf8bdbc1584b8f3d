package tokenizer

import (
	"testing"

	"github.com/allaspectsdev/llmrelay/internal/provider"
)

func TestCountTokens_NonZeroForKnownText(t *testing.T) {
	tok := New()
	text := "Hello, world! This is a test of the tokenizer."
	count := tok.CountTokens("gpt-4", text)
	if count == 0 {
		t.Errorf("CountTokens returned 0 for known text %q; want non-zero", text)
	}
}

func TestCountTokens_ZeroForEmptyText(t *testing.T) {
	tok := New()
	count := tok.CountTokens("gpt-4", "")
	if count != 0 {
		t.Errorf("CountTokens returned %d for empty text; want 0", count)
	}
}

func TestGetEncoding(t *testing.T) {
	tok := New()

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "o200k_base"},
		{"gpt-4o-2024-08-06", "o200k_base"},
		{"GPT-4o", "o200k_base"},
		{"openai/gpt-4o", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"qwen-max", "cl100k_base"},
		{"glm-4-plus", "cl100k_base"},
		{"deepseek-chat", "cl100k_base"},
		{"claude-sonnet-4-5", "cl100k_base"},
		{"some-random-model", "cl100k_base"},
	}

	for _, tt := range tests {
		if got := tok.GetEncoding(tt.model); got != tt.want {
			t.Errorf("GetEncoding(%q) = %q; want %q", tt.model, got, tt.want)
		}
	}
}

func TestEstimatePrompt_IncludesPerMessageOverhead(t *testing.T) {
	tok := New()
	model := "glm-4"

	messages := []provider.Message{
		{Role: "user", Text: "Hello"},
		{Role: "assistant", Text: "Hi there"},
	}

	rawSum := 0
	for _, msg := range messages {
		rawSum += tok.CountTokens(model, msg.Role)
		rawSum += tok.CountTokens(model, msg.Text)
	}

	// 4 tokens per message plus 3 for reply priming.
	want := rawSum + 4*len(messages) + 3
	if got := tok.EstimatePrompt(model, messages); got != want {
		t.Errorf("EstimatePrompt returned %d; want %d", got, want)
	}
}

func TestEstimatePrompt_EmptyIsZero(t *testing.T) {
	if got := New().EstimatePrompt("gpt-4o", nil); got != 0 {
		t.Errorf("EstimatePrompt(nil) = %d; want 0", got)
	}
}
