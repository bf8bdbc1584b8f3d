// Package provider defines the uniform contract between the router and the
// upstream LLM APIs, plus the adapters that implement it.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/allaspectsdev/llmrelay/internal/registry"
)

// Message is the part of a chat message the gateway inspects itself.
type Message struct {
	Role string
	Text string
}

// Request is a canonical chat-completion request. Body is the OpenAI-shaped
// JSON payload with gateway-only fields removed; adapters rewrite it for the
// selected binding.
type Request struct {
	Model    string
	Body     []byte
	Stream   bool
	Messages []Message
	Requires registry.Capabilities
}

// Usage is token accounting reported by an upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a materialized unary completion. Body is OpenAI-shaped JSON.
type Response struct {
	StatusCode int
	Body       []byte
	Usage      *Usage
}

// Chunk is one opaque wire fragment of a streamed completion. Data is the
// SSE data payload (OpenAI chunk JSON). Done marks the terminal marker.
type Chunk struct {
	Data []byte
	Done bool
}

// ChunkStream is a lazy, single-pass sequence of chunks. Next returns io.EOF
// after the last chunk. Close releases the upstream connection and is safe to
// call more than once.
type ChunkStream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Adapter translates canonical requests into calls against one upstream API
// family. Every error it returns is classifiable with Classify.
type Adapter interface {
	Invoke(ctx context.Context, req *Request, c registry.Candidate) (*Response, error)
	InvokeStream(ctx context.Context, req *Request, c registry.Candidate) (ChunkStream, error)
	// ValidateCredentials performs the cheapest authenticated call the API
	// offers. A nil error means the provider is reachable and accepts the key.
	ValidateCredentials(ctx context.Context, p registry.Provider) error
	ListModels(ctx context.Context, p registry.Provider) ([]string, error)
}

// KeyResolver turns a provider key reference into a secret.
type KeyResolver interface {
	ResolveKeyRef(ref string) (string, error)
}

// ParseUsage extracts the usage object from an OpenAI-shaped completion or
// chunk. It returns nil unless total_tokens is positive.
func ParseUsage(data []byte) *Usage {
	u := gjson.GetBytes(data, "usage")
	if !u.IsObject() {
		return nil
	}
	usage := &Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
	if usage.TotalTokens <= 0 {
		return nil
	}
	return usage
}

// Set maps provider type tags to adapters.
type Set struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewSet returns an empty adapter set.
func NewSet() *Set {
	return &Set{adapters: make(map[string]Adapter)}
}

// NewDefaultSet registers the built-in adapters. OpenAI-compatible vendors
// share the openai adapter under their own tags.
func NewDefaultSet(client *HTTPClient, keys KeyResolver) *Set {
	s := NewSet()
	oa := NewOpenAI(client, keys)
	for _, tag := range []string{"openai", "openai-compatible", "azure-openai", "deepseek", "qwen", "glm", "ollama", "openrouter"} {
		s.Register(tag, oa)
	}
	s.Register("anthropic", NewAnthropic(client, keys))
	s.Register("gemini", NewGemini(client, keys))
	return s
}

// Register binds typ to a. A later registration for the same tag wins.
func (s *Set) Register(typ string, a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[typ] = a
}

// Get returns the adapter for typ.
func (s *Set) Get(typ string) (Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[typ]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider type %q", typ)
	}
	return a, nil
}

// Types returns the registered type tags in sorted order.
func (s *Set) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.adapters))
	for k := range s.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
