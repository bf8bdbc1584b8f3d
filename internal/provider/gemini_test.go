package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestGemini() *Gemini {
	a := NewGemini(NewHTTPClient(), staticKeys{"env:TEST_KEY": "sk-test"})
	a.now = func() time.Time { return time.Unix(1700000000, 0) }
	return a
}

func TestToGeminiRequest(t *testing.T) {
	in := `{
		"model": "gemini",
		"max_tokens": 128,
		"temperature": 0.3,
		"stop": ["END"],
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"data:image/png;base64,AAAA"}},{"type":"image_url","image_url":{"url":"https://img.example/cat.png"}}]},
			{"role": "assistant", "content": null, "tool_calls": [{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"x\"}"}}]},
			{"role": "tool", "tool_call_id": "call_1", "content": "{\"hits\":3}"},
			{"role": "user", "content": "thanks"}
		],
		"tools": [{"type":"function","function":{"name":"lookup","description":"find","parameters":{"type":"object","additionalProperties":false,"properties":{"q":{"type":"string"}}}}}],
		"tool_choice": {"type":"function","function":{"name":"lookup"}},
		"response_format": {"type":"json_schema","json_schema":{"name":"r","schema":{"$schema":"x","type":"object"}}}
	}`

	out, err := toGeminiRequest([]byte(in))
	require.NoError(t, err)
	r := gjson.ParseBytes(out)

	assert.False(t, r.Get("model").Exists(), "the model is addressed in the URL")
	assert.Equal(t, "be brief", r.Get("systemInstruction.parts.0.text").String())
	assert.Equal(t, int64(128), r.Get("generationConfig.maxOutputTokens").Int())
	assert.Equal(t, 0.3, r.Get("generationConfig.temperature").Float())
	assert.Equal(t, "END", r.Get("generationConfig.stopSequences.0").String())
	assert.Equal(t, "application/json", r.Get("generationConfig.responseMimeType").String())
	assert.Equal(t, "object", r.Get("generationConfig.responseSchema.type").String())
	assert.False(t, r.Get("generationConfig.responseSchema.$schema").Exists())

	assert.Equal(t, "lookup", r.Get("tools.0.functionDeclarations.0.name").String())
	assert.False(t, r.Get("tools.0.functionDeclarations.0.parameters.additionalProperties").Exists())
	assert.Equal(t, "ANY", r.Get("toolConfig.functionCallingConfig.mode").String())
	assert.Equal(t, "lookup", r.Get("toolConfig.functionCallingConfig.allowedFunctionNames.0").String())

	contents := r.Get("contents").Array()
	require.Len(t, contents, 3, "the tool result and the next user turn merge")
	assert.Equal(t, "user", contents[0].Get("role").String())
	assert.Equal(t, "image/png", contents[0].Get("parts.1.inlineData.mimeType").String())
	assert.Equal(t, "https://img.example/cat.png", contents[0].Get("parts.2.fileData.fileUri").String())
	assert.Equal(t, "image/png", contents[0].Get("parts.2.fileData.mimeType").String())
	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, "x", contents[1].Get("parts.0.functionCall.args.q").String())
	assert.Equal(t, "lookup", contents[2].Get("parts.0.functionResponse.name").String(), "tool results are named after their call")
	assert.Equal(t, int64(3), contents[2].Get("parts.0.functionResponse.response.hits").Int())
	assert.Equal(t, "thanks", contents[2].Get("parts.1.text").String())
}

func TestToGeminiRequestMinimal(t *testing.T) {
	out, err := toGeminiRequest([]byte(`{"messages":[{"role":"tool","tool_call_id":"x","content":"plain"}]}`))
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(out, "generationConfig").Exists())
	assert.Equal(t, "plain", gjson.GetBytes(out, "contents.0.parts.0.functionResponse.response.content").String())

	_, err = toGeminiRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestGeminiInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-goog-api-key"))
		io.WriteString(w, `{"responseId":"r1","modelVersion":"gemini-2.0-flash-001",
			"candidates":[{"content":{"role":"model","parts":[{"text":"thinking","thought":true},{"text":"ok"},{"functionCall":{"name":"lookup","args":{"q":"y"}}}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":4,"totalTokenCount":14}}`)
	}))
	defer srv.Close()

	c := testCandidate(srv.URL + "/v1beta")
	c.Binding.ProviderModel = "models/gemini-2.0-flash"
	resp, err := newTestGemini().Invoke(context.Background(), &Request{Body: []byte(`{"messages":[{"role":"user","content":"hi"}]}`)}, c)
	require.NoError(t, err)

	r := gjson.ParseBytes(resp.Body)
	assert.Equal(t, "chat.completion", r.Get("object").String())
	assert.Equal(t, "r1", r.Get("id").String())
	assert.Equal(t, "gemini-2.0-flash-001", r.Get("model").String())
	assert.Equal(t, "ok", r.Get("choices.0.message.content").String(), "thought parts are not content")
	assert.Equal(t, "tool_calls", r.Get("choices.0.finish_reason").String())
	assert.Equal(t, "call_0", r.Get("choices.0.message.tool_calls.0.id").String())
	assert.Equal(t, `{"q":"y"}`, r.Get("choices.0.message.tool_calls.0.function.arguments").String())
	assert.Equal(t, int64(1700000000), r.Get("created").Int())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}, *resp.Usage)
}

func TestGeminiInvokeStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	_, err := newTestGemini().Invoke(context.Background(), &Request{Body: []byte(`{"messages":[]}`)}, testCandidate(srv.URL))
	require.Error(t, err)
	assert.Equal(t, ClassUpstreamRejected, Classify(err))
	assert.Contains(t, err.Error(), "API key not valid")
}

func TestGeminiStream(t *testing.T) {
	body := strings.Join([]string{
		`data: {"responseId":"r1","candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}],"usageMetadata":{"promptTokenCount":7}}`, "",
		`data: {"responseId":"r1","candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":2,"thoughtsTokenCount":1,"totalTokenCount":10}}`, "",
		"",
	}, "\r\n")
	srv := sseServer(t, body, func(r *http.Request) {
		assert.Equal(t, "/models/gemini-x:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
	})

	c := testCandidate(srv.URL)
	c.Binding.ProviderModel = "gemini-x"
	stream, err := newTestGemini().InvokeStream(context.Background(), &Request{Body: []byte(`{"messages":[{"role":"user","content":"hi"}]}`)}, c)
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 6)

	assert.Equal(t, "assistant", gjson.GetBytes(chunks[0].Data, "choices.0.delta.role").String())
	assert.Equal(t, "Hel", gjson.GetBytes(chunks[1].Data, "choices.0.delta.content").String())
	assert.Equal(t, "lo", gjson.GetBytes(chunks[2].Data, "choices.0.delta.content").String())
	assert.Equal(t, "stop", gjson.GetBytes(chunks[3].Data, "choices.0.finish_reason").String())
	assert.Equal(t, "r1", gjson.GetBytes(chunks[3].Data, "id").String())

	usage := ParseUsage(chunks[4].Data)
	require.NotNil(t, usage)
	assert.Equal(t, Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, *usage)
	assert.Empty(t, gjson.GetBytes(chunks[4].Data, "choices").Array())
	assert.True(t, chunks[5].Done)
}

func TestGeminiStreamToolCall(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"z"}}}]},"finishReason":"STOP"}]}` + "\n\n"
	srv := sseServer(t, body, nil)

	stream, err := newTestGemini().InvokeStream(context.Background(), &Request{Body: []byte(`{"messages":[{"role":"user","content":"hi"}]}`)}, testCandidate(srv.URL))
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 4, "no usage chunk when the upstream reported none")
	assert.Equal(t, "lookup", gjson.GetBytes(chunks[1].Data, "choices.0.delta.tool_calls.0.function.name").String())
	assert.Equal(t, `{"q":"z"}`, gjson.GetBytes(chunks[1].Data, "choices.0.delta.tool_calls.0.function.arguments").String())
	assert.Equal(t, "tool_calls", gjson.GetBytes(chunks[2].Data, "choices.0.finish_reason").String())
	assert.True(t, chunks[3].Done)
}

func TestGeminiStreamEndsWithoutFinish(t *testing.T) {
	srv := sseServer(t, `data: {"candidates":[{"content":{"parts":[{"text":"cut"}]}}]}`+"\n\n", nil)

	stream, err := newTestGemini().InvokeStream(context.Background(), &Request{Body: []byte(`{"messages":[]}`)}, testCandidate(srv.URL))
	require.NoError(t, err)
	defer stream.Close()

	chunks, err := drain(t, stream)
	require.Error(t, err)
	assert.Equal(t, ClassTransport, Classify(err))
	assert.Len(t, chunks, 2)
}

func TestGeminiStreamError(t *testing.T) {
	srv := sseServer(t, `data: {"error":{"code":503,"message":"The model is overloaded"}}`+"\n\n", nil)

	stream, err := newTestGemini().InvokeStream(context.Background(), &Request{Body: []byte(`{"messages":[]}`)}, testCandidate(srv.URL))
	require.NoError(t, err)
	defer stream.Close()

	_, err = drain(t, stream)
	require.Error(t, err)
	assert.Equal(t, ClassUpstreamError, Classify(err))
}

func TestGeminiListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-goog-api-key"))
		if r.URL.Query().Get("pageToken") == "" {
			io.WriteString(w, `{"models":[{"name":"models/gemini-2.0-flash"}],"nextPageToken":"p2"}`)
			return
		}
		io.WriteString(w, `{"models":[{"name":"models/gemini-2.5-pro"}]}`)
	}))
	defer srv.Close()

	a := newTestGemini()
	models, err := a.ListModels(context.Background(), testCandidate(srv.URL).Provider)
	require.NoError(t, err)
	assert.Equal(t, []string{"gemini-2.0-flash", "gemini-2.5-pro"}, models)
	assert.NoError(t, a.ValidateCredentials(context.Background(), testCandidate(srv.URL).Provider))
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, "stop", mapFinishReason("STOP"))
	assert.Equal(t, "length", mapFinishReason("MAX_TOKENS"))
	assert.Equal(t, "content_filter", mapFinishReason("SAFETY"))
	assert.Equal(t, "malformed_function_call", mapFinishReason("MALFORMED_FUNCTION_CALL"))
	assert.Empty(t, mapFinishReason(""))
}
