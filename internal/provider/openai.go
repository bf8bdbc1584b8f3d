package provider

import (
	"context"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/allaspectsdev/llmrelay/internal/registry"
)

const doneMarker = "[DONE]"

// sjsonOptions never sets ReplaceInPlace: the canonical body is shared by
// every attempt of a request.
var sjsonOptions = &sjson.Options{Optimistic: true}

// OpenAI speaks the OpenAI chat-completions API. Most vendors expose an
// OpenAI-compatible endpoint, so this adapter is registered under several
// provider type tags. Provider.BaseURL includes the version prefix, e.g.
// "https://api.openai.com/v1".
type OpenAI struct {
	client *HTTPClient
	keys   KeyResolver
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(client *HTTPClient, keys KeyResolver) *OpenAI {
	return &OpenAI{client: client, keys: keys}
}

func (a *OpenAI) headers(p registry.Provider) (http.Header, error) {
	h := http.Header{}
	if p.KeyRef == "" {
		return h, nil
	}
	key, err := a.keys.ResolveKeyRef(p.KeyRef)
	if err != nil {
		return nil, &Error{Class: ClassUpstreamRejected, Provider: p.ID, Message: "resolving credentials", Err: err}
	}
	h.Set("Authorization", "Bearer "+key)
	return h, nil
}

// Invoke sends a non-streaming completion.
func (a *OpenAI) Invoke(ctx context.Context, req *Request, c registry.Candidate) (*Response, error) {
	body, err := openAIBody(req.Body, c.Binding.ProviderModel, false)
	if err != nil {
		return nil, &Error{Class: ClassUpstreamRejected, Provider: c.Provider.ID, Message: "rewriting request body", Err: err}
	}
	h, err := a.headers(c.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(ctx, c.Provider.ID, http.MethodPost, joinURL(c.Provider.BaseURL, "/chat/completions"), h, body, false)
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
	if !gjson.ValidBytes(data) {
		return nil, &Error{Class: ClassUpstreamError, StatusCode: resp.StatusCode, Provider: c.Provider.ID, Message: "upstream returned invalid JSON"}
	}
	return &Response{StatusCode: resp.StatusCode, Body: data, Usage: ParseUsage(data)}, nil
}

// InvokeStream opens a streaming completion. Usage reporting is requested
// through stream_options so the final chunk carries token totals.
func (a *OpenAI) InvokeStream(ctx context.Context, req *Request, c registry.Candidate) (ChunkStream, error) {
	body, err := openAIBody(req.Body, c.Binding.ProviderModel, true)
	if err != nil {
		return nil, &Error{Class: ClassUpstreamRejected, Provider: c.Provider.ID, Message: "rewriting request body", Err: err}
	}
	h, err := a.headers(c.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(ctx, c.Provider.ID, http.MethodPost, joinURL(c.Provider.BaseURL, "/chat/completions"), h, body, true)
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
	return &openAIStream{eventSource: newEventSource(c.Provider.ID, resp.Body)}, nil
}

// ValidateCredentials lists models, the cheapest authenticated call.
func (a *OpenAI) ValidateCredentials(ctx context.Context, p registry.Provider) error {
	_, err := a.ListModels(ctx, p)
	return err
}

// ListModels returns the ids reported by GET /models.
func (a *OpenAI) ListModels(ctx context.Context, p registry.Provider) ([]string, error) {
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

// openAIBody points the canonical body at the binding's native model name and
// sets the stream flags for the call mode.
func openAIBody(body []byte, providerModel string, stream bool) ([]byte, error) {
	out, err := sjson.SetBytesOptions(body, "model", providerModel, sjsonOptions)
	if err != nil {
		return nil, err
	}
	if !stream {
		out, err = sjson.DeleteBytes(out, "stream_options")
		if err != nil {
			return nil, err
		}
		return sjson.SetBytes(out, "stream", false)
	}
	out, err = sjson.SetBytes(out, "stream", true)
	if err != nil {
		return nil, err
	}
	if !gjson.GetBytes(out, "stream_options.include_usage").Bool() {
		out, err = sjson.SetBytes(out, "stream_options.include_usage", true)
	}
	return out, err
}

// openAIStream yields the data payload of each SSE event. The [DONE] event
// becomes the terminal chunk. Upstreams that close the connection after a
// finish_reason without sending [DONE] get a synthesized terminator.
type openAIStream struct {
	*eventSource
	sawFinish bool
}

func (s *openAIStream) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for {
		evt, err := s.next(ctx)
		if err == io.EOF {
			if s.sawFinish {
				return Chunk{Data: []byte(doneMarker), Done: true}, nil
			}
			return Chunk{}, &Error{Class: ClassTransport, Provider: s.providerID, Message: "stream ended before completion marker"}
		}
		if err != nil {
			return Chunk{}, err
		}
		if evt.data == "" {
			continue
		}
		if evt.data == doneMarker {
			s.done = true
			return Chunk{Data: []byte(doneMarker), Done: true}, nil
		}

		data := []byte(evt.data)
		if e := gjson.GetBytes(data, "error"); e.Exists() {
			s.done = true
			msg := e.Get("message").String()
			if msg == "" {
				msg = e.String()
			}
			return Chunk{}, &Error{Class: ClassUpstreamError, Provider: s.providerID, Message: msg}
		}
		if gjson.GetBytes(data, "choices.0.finish_reason").String() != "" {
			s.sawFinish = true
		}
		return Chunk{Data: data}, nil
	}
}
