package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/allaspectsdev/llmrelay/internal/registry"
)

// geminiPageSize is the largest page GET /models accepts.
const geminiPageSize = 1000

// Gemini speaks the Generative Language API (generateContent and
// streamGenerateContent) and converts to and from the OpenAI chat-completions
// shape. Provider.BaseURL includes the version prefix, e.g.
// "https://generativelanguage.googleapis.com/v1beta".
type Gemini struct {
	client *HTTPClient
	keys   KeyResolver
	now    func() time.Time
}

// NewGemini creates a Gemini adapter.
func NewGemini(client *HTTPClient, keys KeyResolver) *Gemini {
	return &Gemini{client: client, keys: keys, now: time.Now}
}

func (a *Gemini) headers(p registry.Provider) (http.Header, error) {
	h := http.Header{}
	if p.KeyRef == "" {
		return h, nil
	}
	key, err := a.keys.ResolveKeyRef(p.KeyRef)
	if err != nil {
		return nil, &Error{Class: ClassUpstreamRejected, Provider: p.ID, Message: "resolving credentials", Err: err}
	}
	h.Set("x-goog-api-key", key)
	return h, nil
}

// geminiModelURL addresses a model method. Binding model names may carry the
// "models/" resource prefix or not.
func geminiModelURL(base, model, method string) string {
	return joinURL(base, "/models/"+strings.TrimPrefix(model, "models/")+":"+method)
}

// Invoke calls generateContent and returns an OpenAI-shaped chat.completion.
func (a *Gemini) Invoke(ctx context.Context, req *Request, c registry.Candidate) (*Response, error) {
	body, err := toGeminiRequest(req.Body)
	if err != nil {
		return nil, &Error{Class: ClassUpstreamRejected, Provider: c.Provider.ID, Message: "translating request", Err: err}
	}
	h, err := a.headers(c.Provider)
	if err != nil {
		return nil, err
	}

	u := geminiModelURL(c.Provider.BaseURL, c.Binding.ProviderModel, "generateContent")
	resp, err := a.client.Do(ctx, c.Provider.ID, http.MethodPost, u, h, body, false)
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

	out, err := fromGeminiResponse(data, c.Binding.ProviderModel, a.now())
	if err != nil {
		return nil, &Error{Class: ClassUpstreamError, StatusCode: resp.StatusCode, Provider: c.Provider.ID, Message: "translating response", Err: err}
	}
	return &Response{StatusCode: resp.StatusCode, Body: out, Usage: ParseUsage(out)}, nil
}

// InvokeStream calls streamGenerateContent with alt=sse. Each upstream event
// becomes one or more chat.completion.chunk payloads; the last reported
// usageMetadata is sent in a usage-only chunk before [DONE].
func (a *Gemini) InvokeStream(ctx context.Context, req *Request, c registry.Candidate) (ChunkStream, error) {
	body, err := toGeminiRequest(req.Body)
	if err != nil {
		return nil, &Error{Class: ClassUpstreamRejected, Provider: c.Provider.ID, Message: "translating request", Err: err}
	}
	h, err := a.headers(c.Provider)
	if err != nil {
		return nil, err
	}

	u := geminiModelURL(c.Provider.BaseURL, c.Binding.ProviderModel, "streamGenerateContent") + "?alt=sse"
	resp, err := a.client.Do(ctx, c.Provider.ID, http.MethodPost, u, h, body, true)
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
	return &geminiStream{
		eventSource: newEventSource(c.Provider.ID, resp.Body),
		created:     a.now().Unix(),
		model:       c.Binding.ProviderModel,
	}, nil
}

// ValidateCredentials lists models, which requires a valid key.
func (a *Gemini) ValidateCredentials(ctx context.Context, p registry.Provider) error {
	_, err := a.ListModels(ctx, p)
	return err
}

// ListModels pages through GET /models and returns the model ids without
// their "models/" prefix.
func (a *Gemini) ListModels(ctx context.Context, p registry.Provider) ([]string, error) {
	h, err := a.headers(p)
	if err != nil {
		return nil, err
	}
	var models []string
	token := ""
	for {
		q := url.Values{"pageSize": {strconv.Itoa(geminiPageSize)}}
		if token != "" {
			q.Set("pageToken", token)
		}
		resp, err := a.client.Do(ctx, p.ID, http.MethodGet, joinURL(p.BaseURL, "/models")+"?"+q.Encode(), h, nil, false)
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
		for _, name := range gjson.GetBytes(data, "models.#.name").Array() {
			models = append(models, strings.TrimPrefix(name.String(), "models/"))
		}
		next := gjson.GetBytes(data, "nextPageToken").String()
		if next == "" || next == token {
			return models, nil
		}
		token = next
	}
}

// --------------------------------------------------------------------------
// Wire types
// --------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiBlob             `json:"inlineData,omitempty"`
	FileData         *geminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFunctionCallingConfig `json:"functionCallingConfig"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// --------------------------------------------------------------------------
// Request translation
// --------------------------------------------------------------------------

// toGeminiRequest converts an OpenAI chat-completions body into a
// generateContent body. The model travels in the URL, not the body. System
// messages become the systemInstruction, assistant turns use the "model"
// role, and tool results become functionResponse parts named after the call
// they answer.
func toGeminiRequest(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	var gReq geminiRequest
	gen := &geminiGenerationConfig{}
	if mt := root.Get("max_completion_tokens"); mt.Exists() {
		gen.MaxOutputTokens = int(mt.Int())
	} else if mt := root.Get("max_tokens"); mt.Exists() {
		gen.MaxOutputTokens = int(mt.Int())
	}
	if t := root.Get("temperature"); t.Exists() {
		v := t.Float()
		gen.Temperature = &v
	}
	if p := root.Get("top_p"); p.Exists() {
		v := p.Float()
		gen.TopP = &v
	}
	switch stop := root.Get("stop"); {
	case stop.IsArray():
		for _, s := range stop.Array() {
			gen.StopSequences = append(gen.StopSequences, s.String())
		}
	case stop.Type == gjson.String:
		gen.StopSequences = []string{stop.String()}
	}
	if gen.MaxOutputTokens > 0 || gen.Temperature != nil || gen.TopP != nil || len(gen.StopSequences) > 0 {
		gReq.GenerationConfig = gen
	}

	callNames := map[string]string{} // tool_call_id -> function name
	var system []geminiPart
	for _, msg := range root.Get("messages").Array() {
		switch role := msg.Get("role").String(); role {
		case "system", "developer":
			if text := contentText(msg.Get("content")); text != "" {
				system = append(system, geminiPart{Text: text})
			}

		case "tool":
			id := msg.Get("tool_call_id").String()
			gReq.Contents = appendContent(gReq.Contents, "user", geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     callNames[id],
				Response: toolResponse(contentText(msg.Get("content"))),
			}})

		default:
			parts := geminiParts(msg.Get("content"))
			for _, tc := range msg.Get("tool_calls").Array() {
				name := tc.Get("function.name").String()
				callNames[tc.Get("id").String()] = name
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: name,
					Args: toolArguments(tc.Get("function.arguments").String()),
				}})
			}
			if len(parts) == 0 {
				continue
			}
			gRole := "user"
			if role == "assistant" {
				gRole = "model"
			}
			gReq.Contents = appendContent(gReq.Contents, gRole, parts...)
		}
	}
	if len(system) > 0 {
		gReq.SystemInstruction = &geminiContent{Parts: system}
	}

	var decls []geminiFunctionDeclaration
	for _, t := range root.Get("tools").Array() {
		d := geminiFunctionDeclaration{
			Name:        t.Get("function.name").String(),
			Description: t.Get("function.description").String(),
		}
		if p := t.Get("function.parameters"); p.Exists() {
			d.Parameters = stripSchemaKeys(p.Value())
		}
		decls = append(decls, d)
	}
	if len(decls) > 0 {
		gReq.Tools = []geminiTool{{FunctionDeclarations: decls}}
		if cfg := geminiToolChoice(root.Get("tool_choice")); cfg != nil {
			gReq.ToolConfig = &geminiToolConfig{FunctionCallingConfig: *cfg}
		}
	}

	out, err := json.Marshal(gReq)
	if err != nil {
		return nil, err
	}
	return withResponseFormat(out, root.Get("response_format"))
}

// withResponseFormat maps response_format onto generationConfig. A
// json_schema format forwards its schema verbatim.
func withResponseFormat(out []byte, rf gjson.Result) ([]byte, error) {
	var err error
	switch rf.Get("type").String() {
	case "json_object":
		out, err = sjson.SetBytes(out, "generationConfig.responseMimeType", "application/json")
	case "json_schema":
		out, err = sjson.SetBytes(out, "generationConfig.responseMimeType", "application/json")
		if schema := rf.Get("json_schema.schema"); err == nil && schema.IsObject() {
			cleaned, merr := json.Marshal(stripSchemaKeys(schema.Value()))
			if merr != nil {
				return nil, merr
			}
			out, err = sjson.SetRawBytes(out, "generationConfig.responseSchema", cleaned)
		}
	}
	return out, err
}

// stripSchemaKeys removes the JSON Schema keywords the Gemini schema subset
// rejects.
func stripSchemaKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			switch k {
			case "$schema", "additionalProperties", "strict":
				continue
			}
			out[k] = stripSchemaKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripSchemaKeys(val)
		}
		return out
	default:
		return v
	}
}

func geminiToolChoice(tc gjson.Result) *geminiFunctionCallingConfig {
	switch {
	case !tc.Exists():
		return nil
	case tc.String() == "none":
		return &geminiFunctionCallingConfig{Mode: "NONE"}
	case tc.String() == "auto":
		return &geminiFunctionCallingConfig{Mode: "AUTO"}
	case tc.String() == "required":
		return &geminiFunctionCallingConfig{Mode: "ANY"}
	case tc.Get("function.name").Exists():
		return &geminiFunctionCallingConfig{Mode: "ANY", AllowedFunctionNames: []string{tc.Get("function.name").String()}}
	}
	return nil
}

// appendContent merges consecutive turns of the same role.
func appendContent(contents []geminiContent, role string, parts ...geminiPart) []geminiContent {
	if n := len(contents); n > 0 && contents[n-1].Role == role {
		contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		return contents
	}
	return append(contents, geminiContent{Role: role, Parts: parts})
}

// geminiParts converts OpenAI content (string or parts) to Gemini parts.
func geminiParts(c gjson.Result) []geminiPart {
	if !c.Exists() || c.Type == gjson.Null {
		return nil
	}
	if !c.IsArray() {
		if c.String() == "" {
			return nil
		}
		return []geminiPart{{Text: c.String()}}
	}
	var parts []geminiPart
	for _, p := range c.Array() {
		switch p.Get("type").String() {
		case "text":
			if text := p.Get("text").String(); text != "" {
				parts = append(parts, geminiPart{Text: text})
			}
		case "image_url":
			if part, ok := geminiImage(p.Get("image_url.url").String()); ok {
				parts = append(parts, part)
			}
		}
	}
	return parts
}

// geminiImage inlines data: URLs and references anything else by URI.
func geminiImage(u string) (geminiPart, bool) {
	src := imageSource(u)
	if src == nil {
		return geminiPart{}, false
	}
	if src.Type == "base64" {
		return geminiPart{InlineData: &geminiBlob{MimeType: src.MediaType, Data: src.Data}}, true
	}
	mt := mime.TypeByExtension(path.Ext(strings.SplitN(u, "?", 2)[0]))
	if mt == "" {
		mt = "image/jpeg"
	}
	return geminiPart{FileData: &geminiFileData{MimeType: mt, FileURI: u}}, true
}

// toolArguments decodes an OpenAI arguments string. Gemini wants an object.
func toolArguments(args string) any {
	if args == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return map[string]any{"arguments": args}
	}
	if _, ok := v.(map[string]any); !ok {
		return map[string]any{"arguments": v}
	}
	return v
}

// toolResponse wraps a tool result. JSON objects pass through as-is.
func toolResponse(text string) any {
	if r := gjson.Parse(text); r.IsObject() {
		return r.Value()
	}
	return map[string]any{"content": text}
}

// --------------------------------------------------------------------------
// Response translation
// --------------------------------------------------------------------------

func fromGeminiResponse(data []byte, model string, now time.Time) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("response body is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	cand := root.Get("candidates.0")

	msg := openAIMessage{Role: "assistant"}
	var text []string
	for _, part := range cand.Get("content.parts").Array() {
		switch {
		case part.Get("thought").Bool():
		case part.Get("functionCall").Exists():
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:       geminiCallID(part.Get("functionCall"), len(msg.ToolCalls)),
				Type:     "function",
				Function: openAIFunctionCall{Name: part.Get("functionCall.name").String(), Arguments: geminiArgs(part.Get("functionCall"))},
			})
		case part.Get("text").Exists():
			text = append(text, part.Get("text").String())
		}
	}
	content := strings.Join(text, "")
	msg.Content = &content

	finish := mapFinishReason(cand.Get("finishReason").String())
	if len(msg.ToolCalls) > 0 && finish == "stop" {
		finish = "tool_calls"
	}
	if !cand.Exists() && root.Get("promptFeedback.blockReason").Exists() {
		finish = "content_filter"
	}

	if mv := root.Get("modelVersion").String(); mv != "" {
		model = mv
	}
	out := openAICompletion{
		ID:      root.Get("responseId").String(),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []openAIChoice{{Message: msg, FinishReason: finish}},
		Usage:   geminiUsage(root.Get("usageMetadata")),
	}
	return json.Marshal(out)
}

// geminiCallID uses the upstream call id when present. Older models send
// none, so ids are synthesized from the call position.
func geminiCallID(fc gjson.Result, index int) string {
	if id := fc.Get("id").String(); id != "" {
		return id
	}
	return fmt.Sprintf("call_%d", index)
}

func geminiArgs(fc gjson.Result) string {
	if args := fc.Get("args"); args.Exists() {
		return args.Raw
	}
	return "{}"
}

// geminiUsage converts usageMetadata. Thinking tokens count as completion
// tokens, matching how OpenAI reports reasoning tokens.
func geminiUsage(u gjson.Result) *Usage {
	if !u.Exists() {
		return nil
	}
	prompt := int(u.Get("promptTokenCount").Int())
	completion := int(u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int())
	total := int(u.Get("totalTokenCount").Int())
	if total == 0 {
		total = prompt + completion
	}
	if total == 0 {
		return nil
	}
	return &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

// mapFinishReason converts a Gemini finishReason to an OpenAI finish_reason.
func mapFinishReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// --------------------------------------------------------------------------
// Streaming
// --------------------------------------------------------------------------

// geminiStream converts streamGenerateContent events to OpenAI chunks. The
// upstream has no terminal marker: a clean end of body after a finishReason
// expands into the usage chunk plus [DONE].
type geminiStream struct {
	*eventSource
	created   int64
	id        string
	model     string
	usage     *Usage
	started   bool
	toolCalls int
	sawFinish bool
	pending   []Chunk
}

func (s *geminiStream) Next(ctx context.Context) (Chunk, error) {
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
			if !s.sawFinish {
				return Chunk{}, &Error{Class: ClassTransport, Provider: s.providerID, Message: "stream ended before finishReason"}
			}
			if err := s.finish(); err != nil {
				return Chunk{}, err
			}
			continue
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

func (s *geminiStream) handle(evt sseEvent) error {
	if evt.data == "" {
		return nil
	}
	data := gjson.Parse(evt.data)
	if e := data.Get("error"); e.Exists() {
		return &Error{Class: ClassUpstreamError, Provider: s.providerID, Message: e.Get("message").String()}
	}
	if id := data.Get("responseId").String(); id != "" {
		s.id = id
	}
	if mv := data.Get("modelVersion").String(); mv != "" {
		s.model = mv
	}
	if u := geminiUsage(data.Get("usageMetadata")); u != nil {
		s.usage = u
	}
	if !s.started {
		s.started = true
		empty := ""
		if err := s.emit(openAIDelta{Role: "assistant", Content: &empty}, nil, nil); err != nil {
			return err
		}
	}

	cand := data.Get("candidates.0")
	for _, part := range cand.Get("content.parts").Array() {
		var err error
		switch {
		case part.Get("thought").Bool():
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			idx := s.toolCalls
			s.toolCalls++
			err = s.emit(openAIDelta{ToolCalls: []openAIToolCallDelta{{
				Index:    idx,
				ID:       geminiCallID(fc, idx),
				Type:     "function",
				Function: openAIFunctionDelta{Name: fc.Get("name").String(), Arguments: geminiArgs(fc)},
			}}}, nil, nil)
		case part.Get("text").String() != "":
			text := part.Get("text").String()
			err = s.emit(openAIDelta{Content: &text}, nil, nil)
		}
		if err != nil {
			return err
		}
	}

	reason := mapFinishReason(cand.Get("finishReason").String())
	if !cand.Exists() && data.Get("promptFeedback.blockReason").Exists() {
		reason = "content_filter"
	}
	if reason == "" {
		return nil
	}
	if s.toolCalls > 0 && reason == "stop" {
		reason = "tool_calls"
	}
	s.sawFinish = true
	return s.emit(openAIDelta{}, &reason, nil)
}

func (s *geminiStream) finish() error {
	if s.usage != nil {
		usage := *s.usage
		if err := s.emit(openAIDelta{}, nil, &usage); err != nil {
			return err
		}
	}
	s.pending = append(s.pending, Chunk{Data: []byte(doneMarker), Done: true})
	return nil
}

func (s *geminiStream) emit(delta openAIDelta, finish *string, usage *Usage) error {
	c, err := encodeChunk(s.providerID, s.id, s.model, s.created, delta, finish, usage)
	if err != nil {
		return err
	}
	s.pending = append(s.pending, c)
	return nil
}
