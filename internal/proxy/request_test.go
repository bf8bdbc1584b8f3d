package proxy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/testutil"
)

func TestParseChatRequestBasic(t *testing.T) {
	p, err := ParseChatRequest(testutil.SampleChatRequest("gpt-4o", true))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", p.Provider.Model)
	assert.True(t, p.Provider.Stream)
	assert.Empty(t, p.Pin)
	assert.Zero(t, p.MaxAttempts)
	assert.Zero(t, p.Timeout)
	assert.Equal(t, registry.Capabilities{}, p.Provider.Requires)
	require.Len(t, p.Provider.Messages, 2)
	assert.Equal(t, "system", p.Provider.Messages[0].Role)
	assert.Equal(t, "Hello, how are you?", p.Provider.Messages[1].Text)
}

func TestParseChatRequestGatewayFields(t *testing.T) {
	body := []byte(`{"model":"qwen-max","provider":"dashscope","retry_count":2,"timeout":1.5,
		"messages":[{"role":"user","content":"hi"}],"temperature":0.2}`)

	p, err := ParseChatRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "dashscope", p.Pin)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, p.Timeout)

	fwd := p.Provider.Body
	assert.False(t, gjson.GetBytes(fwd, "provider").Exists())
	assert.False(t, gjson.GetBytes(fwd, "retry_count").Exists())
	assert.False(t, gjson.GetBytes(fwd, "timeout").Exists())
	assert.Equal(t, 0.2, gjson.GetBytes(fwd, "temperature").Float())
	assert.Equal(t, "qwen-max", gjson.GetBytes(fwd, "model").String())
}

func TestParseChatRequestProviderObjectIgnored(t *testing.T) {
	for _, provider := range []string{`{"order":["openai","together"],"allow_fallbacks":false}`, `["openai"]`, `null`, `7`} {
		body := []byte(`{"model":"gpt-4o","provider":` + provider + `,"messages":[{"role":"user","content":"hi"}]}`)

		p, err := ParseChatRequest(body)
		require.NoError(t, err, provider)
		assert.Empty(t, p.Pin, provider)
		assert.False(t, gjson.GetBytes(p.Provider.Body, "provider").Exists(), "%s is not forwarded", provider)
	}
}

func TestParseChatRequestCapabilities(t *testing.T) {
	tests := []struct {
		name string
		body string
		want registry.Capabilities
	}{
		{
			name: "tools",
			body: `{"model":"m","messages":[{"role":"user","content":"x"}],"tools":[{"type":"function","function":{"name":"f"}}]}`,
			want: registry.Capabilities{ToolCall: true},
		},
		{
			name: "empty tools",
			body: `{"model":"m","messages":[{"role":"user","content":"x"}],"tools":[]}`,
			want: registry.Capabilities{},
		},
		{
			name: "legacy functions",
			body: `{"model":"m","messages":[{"role":"user","content":"x"}],"functions":[{"name":"f"}]}`,
			want: registry.Capabilities{ToolCall: true},
		},
		{
			name: "json schema",
			body: `{"model":"m","messages":[{"role":"user","content":"x"}],"response_format":{"type":"json_schema","json_schema":{}}}`,
			want: registry.Capabilities{StructuredOutput: true},
		},
		{
			name: "plain text format",
			body: `{"model":"m","messages":[{"role":"user","content":"x"}],"response_format":{"type":"text"}}`,
			want: registry.Capabilities{},
		},
		{
			name: "image part",
			body: `{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"what is this"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]}]}`,
			want: registry.Capabilities{ImageInput: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseChatRequest([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Provider.Requires)
		})
	}
}

func TestParseChatRequestTextParts(t *testing.T) {
	body := []byte(`{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"u"}},{"type":"text","text":"b"}]}]}`)
	p, err := ParseChatRequest(body)
	require.NoError(t, err)
	require.Len(t, p.Provider.Messages, 1)
	assert.Equal(t, "a\nb", p.Provider.Messages[0].Text)
}

func TestParseChatRequestInvalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", `{"model":`, ""},
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, "model"},
		{"no messages", `{"model":"m","messages":[]}`, "messages"},
		{"bad role", `{"model":"m","messages":[{"role":"robot","content":"x"}]}`, "messages[0].role"},
		{"zero retry", `{"model":"m","messages":[{"role":"user","content":"x"}],"retry_count":0}`, "retry_count"},
		{"negative timeout", `{"model":"m","messages":[{"role":"user","content":"x"}],"timeout":-1}`, "timeout"},
		{"wrong type", `{"model":42,"messages":[{"role":"user","content":"x"}]}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChatRequest([]byte(tt.body))
			require.Error(t, err)

			var reqErr *RequestError
			require.True(t, errors.As(err, &reqErr), "want *RequestError, got %T", err)
			if tt.field != "" {
				assert.Contains(t, reqErr.Fields, tt.field)
			}
		})
	}
}
