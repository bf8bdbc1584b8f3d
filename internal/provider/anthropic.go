package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/allaspectsdev/llmrelay/internal/registry"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// Anthropic speaks the Messages API and converts to and from the OpenAI
// chat-completions shape the rest of the gateway uses. Provider.BaseURL
// includes the version prefix, e.g. "https://api.anthropic.com/v1".
type Anthropic struct {
	client *HTTPClient
	keys   KeyResolver
	now    func() time.Time
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(client *HTTPClient, keys KeyResolver) *Anthropic {
	return &Anthropic{client: client, keys: keys, now: time.Now}
}

func (a *Anthropic) headers(p registry.Provider) (http.Header, error) {
	h := http.Header{}
	h.Set("anthropic-version", anthropicVersion)
	if p.KeyRef == "" {
		return h, nil
	}
	key, err := a.keys.ResolveKeyRef(p.KeyRef)
	if err != nil {
		return nil, &Error{Class: ClassUpstreamRejected, Provider: p.ID, Message: "resolving credentials", Err: err}
	}
	h.Set("x-api-key", key)
	return h, nil
}

// Invoke sends a non-streaming Messages call and returns an OpenAI-shaped
// chat.completion body.
func (a *Anthropic) Invoke(ctx context.Context, req *Request, c registry.Candidate) (*Response, error) {
	body, err := toAnthropicRequest(req.Body, c.Binding.ProviderModel, false)
	if err != nil {
		return nil, &Error{Class: ClassUpstreamRejected, Provider: c.Provider.ID, Message: "translating request", Err: err}
	}
	h, err := a.headers(c.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(ctx, c.Provider.ID, http.MethodPost, joinURL(c.Provider.BaseURL, "/messages"), h, body, false)
	if err != nil {
		return nil, err
	}
	data, err := readBody(c.Provider.ID, resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(c.Provider.ID, resp.StatusCode, data)
	}

	out, err := fromAnthropicResponse(data, a.now())
	if err != nil {
		return nil, &Error{Class: ClassUpstreamError, StatusCode: resp.StatusCode, Provider: c.Provider.ID, Message: "translating response", Err: err}
	}
	return &Response{StatusCode: resp.StatusCode, Body: out, Usage: ParseUsage(out)}, nil
}

// InvokeStream opens a streaming Messages call. Events are converted to
// chat.completion.chunk payloads; usage arrives in a final chunk with empty
// choices, followed by [DONE].
func (a *Anthropic) InvokeStream(ctx context.Context, req *Request, c registry.Candidate) (ChunkStream, error) {
	body, err := toAnthropicRequest(req.Body, c.Binding.ProviderModel, true)
	if err != nil {
		return nil, &Error{Class: ClassUpstreamRejected, Provider: c.Provider.ID, Message: "translating request", Err: err}
	}
	h, err := a.headers(c.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(ctx, c.Provider.ID, http.MethodPost, joinURL(c.Provider.BaseURL, "/messages"), h, body, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, rerr := readBody(c.Provider.ID, resp)
		if rerr != nil {
			return nil, rerr
		}
		return nil, statusError(c.Provider.ID, resp.StatusCode, data)
	}
	return &anthropicStream{
		eventSource: newEventSource(c.Provider.ID, resp.Body),
		created:     a.now().Unix(),
		model:       c.Binding.ProviderModel,
		toolIndex:   map[int64]int{},
	}, nil
}

// ValidateCredentials lists models, which requires a valid key.
func (a *Anthropic) ValidateCredentials(ctx context.Context, p registry.Provider) error {
	_, err := a.ListModels(ctx, p)
	return err
}

// ListModels returns the ids reported by GET /models.
func (a *Anthropic) ListModels(ctx context.Context, p registry.Provider) ([]string, error) {
	h, err := a.headers(p)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(ctx, p.ID, http.MethodGet, joinURL(p.BaseURL, "/models"), h, nil, false)
	if err != nil {
		return nil, err
	}
	data, err := readBody(p.ID, resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(p.ID, resp.StatusCode, data)
	}
	var models []string
	for _, id := range gjson.GetBytes(data, "data.#.id").Array() {
		models = append(models, id.String())
	}
	return models, nil
}

// --------------------------------------------------------------------------
// Wire types
// --------------------------------------------------------------------------

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     any              `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAICompletion struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

type openAIChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []openAIChunkChoice `json:"choices"`
	Usage   *Usage              `json:"usage,omitempty"`
}

type openAIChunkChoice struct {
	Index        int         `json:"index"`
	Delta        openAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openAIDelta struct {
	Role      string                `json:"role,omitempty"`
	Content   *string               `json:"content,omitempty"`
	ToolCalls []openAIToolCallDelta `json:"tool_calls,omitempty"`
}

type openAIToolCallDelta struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function openAIFunctionDelta `json:"function"`
}

type openAIFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// --------------------------------------------------------------------------
// Request translation
// --------------------------------------------------------------------------

// toAnthropicRequest converts an OpenAI chat-completions body into a
// Messages API body. System messages are concatenated into the system field,
// tool results become tool_result blocks on a user turn, and assistant
// tool_calls become tool_use blocks.
func toAnthropicRequest(body []byte, providerModel string, stream bool) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	aReq := anthropicRequest{
		Model:     providerModel,
		Stream:    stream,
		MaxTokens: anthropicMaxTokens,
	}
	if mt := root.Get("max_completion_tokens"); mt.Exists() {
		aReq.MaxTokens = int(mt.Int())
	} else if mt := root.Get("max_tokens"); mt.Exists() {
		aReq.MaxTokens = int(mt.Int())
	}
	if t := root.Get("temperature"); t.Exists() {
		v := t.Float()
		aReq.Temperature = &v
	}
	if p := root.Get("top_p"); p.Exists() {
		v := p.Float()
		aReq.TopP = &v
	}
	switch stop := root.Get("stop"); {
	case stop.IsArray():
		for _, s := range stop.Array() {
			aReq.StopSequences = append(aReq.StopSequences, s.String())
		}
	case stop.Type == gjson.String:
		aReq.StopSequences = []string{stop.String()}
	}

	var systemParts []string
	for _, msg := range root.Get("messages").Array() {
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			systemParts = append(systemParts, contentText(msg.Get("content")))
			continue
		case "tool":
			aReq.Messages = appendMessage(aReq.Messages, "user", anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.Get("tool_call_id").String(),
				Content:   contentText(msg.Get("content")),
			})
			continue
		}

		blocks := contentBlocks(msg.Get("content"))
		for _, tc := range msg.Get("tool_calls").Array() {
			var input any = map[string]any{}
			if args := tc.Get("function.arguments").String(); args != "" {
				if err := json.Unmarshal([]byte(args), &input); err != nil {
					input = map[string]any{"arguments": args}
				}
			}
			blocks = append(blocks, anthropicContentBlock{
				Type:  "tool_use",
				ID:    tc.Get("id").String(),
				Name:  tc.Get("function.name").String(),
				Input: input,
			})
		}
		if len(blocks) == 0 {
			continue
		}
		aReq.Messages = appendMessage(aReq.Messages, role, blocks...)
	}
	aReq.System = strings.Join(systemParts, "\n")

	for _, t := range root.Get("tools").Array() {
		var schema any = map[string]any{"type": "object"}
		if p := t.Get("function.parameters"); p.Exists() {
			schema = p.Value()
		}
		aReq.Tools = append(aReq.Tools, anthropicTool{
			Name:        t.Get("function.name").String(),
			Description: t.Get("function.description").String(),
			InputSchema: schema,
		})
	}
	if tc := root.Get("tool_choice"); tc.Exists() && len(aReq.Tools) > 0 {
		switch {
		case tc.String() == "auto":
			aReq.ToolChoice = map[string]string{"type": "auto"}
		case tc.String() == "required":
			aReq.ToolChoice = map[string]string{"type": "any"}
		case tc.Get("function.name").Exists():
			aReq.ToolChoice = map[string]string{"type": "tool", "name": tc.Get("function.name").String()}
		}
	}

	return json.Marshal(aReq)
}

// appendMessage merges consecutive turns of the same role, which the
// Messages API requires to alternate.
func appendMessage(msgs []anthropicMessage, role string, blocks ...anthropicContentBlock) []anthropicMessage {
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
		return msgs
	}
	return append(msgs, anthropicMessage{Role: role, Content: blocks})
}

// contentText flattens an OpenAI content value (string or parts array) to text.
func contentText(c gjson.Result) string {
	if !c.IsArray() {
		return c.String()
	}
	var parts []string
	for _, p := range c.Array() {
		if p.Get("type").String() == "text" {
			parts = append(parts, p.Get("text").String())
		}
	}
	return strings.Join(parts, "\n")
}

// contentBlocks converts OpenAI content (string or parts) to Anthropic blocks.
func contentBlocks(c gjson.Result) []anthropicContentBlock {
	if !c.Exists() || c.Type == gjson.Null {
		return nil
	}
	if !c.IsArray() {
		if c.String() == "" {
			return nil
		}
		return []anthropicContentBlock{{Type: "text", Text: c.String()}}
	}
	var blocks []anthropicContentBlock
	for _, p := range c.Array() {
		switch p.Get("type").String() {
		case "text":
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Get("text").String()})
		case "image_url":
			if src := imageSource(p.Get("image_url.url").String()); src != nil {
				blocks = append(blocks, anthropicContentBlock{Type: "image", Source: src})
			}
		}
	}
	return blocks
}

// imageSource accepts data: URLs (base64) and plain http(s) URLs.
func imageSource(u string) *anthropicSource {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return nil
		}
		return &anthropicSource{Type: "base64", MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
	}
	if u == "" {
		return nil
	}
	return &anthropicSource{Type: "url", URL: u}
}

// --------------------------------------------------------------------------
// Response translation
// --------------------------------------------------------------------------

func fromAnthropicResponse(data []byte, now time.Time) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("response body is not valid JSON")
	}
	root := gjson.ParseBytes(data)

	msg := openAIMessage{Role: "assistant"}
	var text []string
	for _, block := range root.Get("content").Array() {
		switch block.Get("type").String() {
		case "text":
			text = append(text, block.Get("text").String())
		case "tool_use":
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:   block.Get("id").String(),
				Type: "function",
				Function: openAIFunctionCall{
					Name:      block.Get("name").String(),
					Arguments: args,
				},
			})
		}
	}
	content := strings.Join(text, "")
	msg.Content = &content

	out := openAICompletion{
		ID:      root.Get("id").String(),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   root.Get("model").String(),
		Choices: []openAIChoice{{
			Message:      msg,
			FinishReason: mapStopReason(root.Get("stop_reason").String()),
		}},
	}
	if u := root.Get("usage"); u.Exists() {
		in := int(u.Get("input_tokens").Int() + u.Get("cache_read_input_tokens").Int() + u.Get("cache_creation_input_tokens").Int())
		outTok := int(u.Get("output_tokens").Int())
		out.Usage = &Usage{PromptTokens: in, CompletionTokens: outTok, TotalTokens: in + outTok}
	}
	return json.Marshal(out)
}

// mapStopReason converts an Anthropic stop_reason to an OpenAI finish_reason.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	default:
		return reason
	}
}

// --------------------------------------------------------------------------
// Streaming
// --------------------------------------------------------------------------

// anthropicStream converts Messages API stream events to OpenAI chunks.
// Events that carry nothing for the client (ping, content_block_stop) are
// skipped; message_stop expands into a usage chunk plus the terminator.
type anthropicStream struct {
	*eventSource
	created   int64
	id        string
	model     string
	usage     Usage
	toolIndex map[int64]int // content block index -> tool call index
	pending   []Chunk
}

func (s *anthropicStream) Next(ctx context.Context) (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return Chunk{}, io.EOF
		}

		evt, err := s.next(ctx)
		if err == io.EOF {
			return Chunk{}, &Error{Class: ClassTransport, Provider: s.providerID, Message: "stream ended before message_stop"}
		}
		if err != nil {
			return Chunk{}, err
		}
		if err := s.handle(evt); err != nil {
			s.done = true
			s.pending = nil
			return Chunk{}, err
		}
	}
}

func (s *anthropicStream) handle(evt sseEvent) error {
	data := gjson.Parse(evt.data)
	typ := evt.name
	if typ == "" {
		typ = data.Get("type").String()
	}

	switch typ {
	case "message_start":
		m := data.Get("message")
		s.id = m.Get("id").String()
		if model := m.Get("model").String(); model != "" {
			s.model = model
		}
		u := m.Get("usage")
		s.usage.PromptTokens = int(u.Get("input_tokens").Int() + u.Get("cache_read_input_tokens").Int() + u.Get("cache_creation_input_tokens").Int())
		s.usage.CompletionTokens = int(u.Get("output_tokens").Int())
		empty := ""
		return s.emit(openAIDelta{Role: "assistant", Content: &empty}, nil, nil)

	case "content_block_start":
		cb := data.Get("content_block")
		if cb.Get("type").String() != "tool_use" {
			return nil
		}
		idx := len(s.toolIndex)
		s.toolIndex[data.Get("index").Int()] = idx
		return s.emit(openAIDelta{ToolCalls: []openAIToolCallDelta{{
			Index:    idx,
			ID:       cb.Get("id").String(),
			Type:     "function",
			Function: openAIFunctionDelta{Name: cb.Get("name").String()},
		}}}, nil, nil)

	case "content_block_delta":
		d := data.Get("delta")
		switch d.Get("type").String() {
		case "text_delta":
			text := d.Get("text").String()
			return s.emit(openAIDelta{Content: &text}, nil, nil)
		case "input_json_delta":
			idx := s.toolIndex[data.Get("index").Int()]
			return s.emit(openAIDelta{ToolCalls: []openAIToolCallDelta{{
				Index:    idx,
				Function: openAIFunctionDelta{Arguments: d.Get("partial_json").String()},
			}}}, nil, nil)
		}
		return nil

	case "message_delta":
		if out := data.Get("usage.output_tokens"); out.Exists() {
			s.usage.CompletionTokens = int(out.Int())
		}
		reason := mapStopReason(data.Get("delta.stop_reason").String())
		return s.emit(openAIDelta{}, &reason, nil)

	case "message_stop":
		s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
		usage := s.usage
		if err := s.emit(openAIDelta{}, nil, &usage); err != nil {
			return err
		}
		s.pending = append(s.pending, Chunk{Data: []byte(doneMarker), Done: true})
		s.done = true
		return nil

	case "error":
		return &Error{Class: ClassUpstreamError, Provider: s.providerID, Message: data.Get("error.message").String()}
	}
	return nil
}

func (s *anthropicStream) emit(delta openAIDelta, finish *string, usage *Usage) error {
	c, err := encodeChunk(s.providerID, s.id, s.model, s.created, delta, finish, usage)
	if err != nil {
		return err
	}
	s.pending = append(s.pending, c)
	return nil
}

// encodeChunk builds one chat.completion.chunk. A non-nil usage produces the
// trailing usage-only chunk with an empty choices array.
func encodeChunk(providerID, id, model string, created int64, delta openAIDelta, finish *string, usage *Usage) (Chunk, error) {
	chunk := openAIChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []openAIChunkChoice{},
		Usage:   usage,
	}
	if usage == nil {
		chunk.Choices = append(chunk.Choices, openAIChunkChoice{Delta: delta, FinishReason: finish})
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return Chunk{}, &Error{Class: ClassUpstreamError, Provider: providerID, Message: "encoding chunk", Err: err}
	}
	return Chunk{Data: data}, nil
}
