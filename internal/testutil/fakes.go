package testutil

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/registry"
)

// StaticRegistry is an in-memory registry.Registry. Its join mirrors the
// storage query; set Rows to bypass the join and return raw rows.
type StaticRegistry struct {
	mu        sync.Mutex
	Providers []registry.Provider
	Models    []registry.CanonicalModel
	Bindings  []registry.Binding
	// Rows, when non-nil, is returned verbatim by ListEnabledProvidersForModel.
	Rows []registry.Candidate
	// Err is returned by every method when set.
	Err   error
	Calls int
}

func (r *StaticRegistry) ListEnabledProvidersForModel(_ context.Context, model string) ([]registry.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls++
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Rows != nil {
		return append([]registry.Candidate(nil), r.Rows...), nil
	}
	var m *registry.CanonicalModel
	for i := range r.Models {
		if r.Models[i].Name == model && r.Models[i].Enabled {
			m = &r.Models[i]
		}
	}
	if m == nil {
		return nil, nil
	}
	var out []registry.Candidate
	for _, b := range r.Bindings {
		if b.ModelName != model || !b.Enabled {
			continue
		}
		for _, p := range r.Providers {
			if p.ID == b.ProviderID && p.Enabled {
				out = append(out, registry.Candidate{Provider: p, Binding: b, Model: *m})
			}
		}
	}
	return out, nil
}

func (r *StaticRegistry) GetCanonicalModel(_ context.Context, name string) (*registry.CanonicalModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, m := range r.Models {
		if m.Name == name {
			m := m
			return &m, nil
		}
	}
	return nil, registry.ErrModelNotFound
}

func (r *StaticRegistry) GetProvider(_ context.Context, id string) (*registry.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, p := range r.Providers {
		if p.ID == id {
			p := p
			return &p, nil
		}
	}
	return nil, registry.ErrProviderNotFound
}

func (r *StaticRegistry) ListProviders(context.Context) ([]registry.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	return append([]registry.Provider(nil), r.Providers...), nil
}

// Script is the scripted behavior of one provider in a ScriptedAdapter.
type Script struct {
	// Err fails every adapter call.
	Err error
	// Response is returned by Invoke on success.
	Response *provider.Response
	// Chunks is replayed by InvokeStream. StreamErr, when set, is returned
	// after the chunks are exhausted instead of io.EOF.
	Chunks    []provider.Chunk
	StreamErr error
	// Block makes calls wait for their context to end.
	Block bool
	// Delay stalls the first stream read without watching the context,
	// like an upstream that ignores cancellation.
	Delay  time.Duration
	Models []string
}

// ScriptedAdapter is a provider.Adapter whose behavior is scripted per
// provider id. It records the provider ids it was called for.
type ScriptedAdapter struct {
	mu      sync.Mutex
	Scripts map[string]Script
	calls   []string
	streams []*ScriptedStream
}

// NewScriptedAdapter creates an adapter with the given scripts.
func NewScriptedAdapter(scripts map[string]Script) *ScriptedAdapter {
	return &ScriptedAdapter{Scripts: scripts}
}

// Calls returns the provider ids called, in order.
func (a *ScriptedAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// Streams returns every stream opened so far.
func (a *ScriptedAdapter) Streams() []*ScriptedStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*ScriptedStream(nil), a.streams...)
}

func (a *ScriptedAdapter) script(id string) Script {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, id)
	return a.Scripts[id]
}

func (a *ScriptedAdapter) Invoke(ctx context.Context, _ *provider.Request, c registry.Candidate) (*provider.Response, error) {
	s := a.script(c.Provider.ID)
	if s.Block {
		<-ctx.Done()
		return nil, &provider.Error{Class: provider.Classify(ctx.Err()), Provider: c.Provider.ID, Err: ctx.Err()}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Response == nil {
		return &provider.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	return s.Response, nil
}

func (a *ScriptedAdapter) InvokeStream(ctx context.Context, _ *provider.Request, c registry.Candidate) (provider.ChunkStream, error) {
	s := a.script(c.Provider.ID)
	if s.Err != nil {
		return nil, s.Err
	}
	st := &ScriptedStream{chunks: s.Chunks, err: s.StreamErr, block: s.Block, delay: s.Delay, provider: c.Provider.ID}
	a.mu.Lock()
	a.streams = append(a.streams, st)
	a.mu.Unlock()
	return st, nil
}

func (a *ScriptedAdapter) ValidateCredentials(ctx context.Context, p registry.Provider) error {
	s := a.script(p.ID)
	if s.Block {
		<-ctx.Done()
		return &provider.Error{Class: provider.Classify(ctx.Err()), Provider: p.ID, Err: ctx.Err()}
	}
	return s.Err
}

func (a *ScriptedAdapter) ListModels(_ context.Context, p registry.Provider) ([]string, error) {
	s := a.script(p.ID)
	return s.Models, s.Err
}

// ScriptedStream replays a fixed chunk sequence.
type ScriptedStream struct {
	mu       sync.Mutex
	chunks   []provider.Chunk
	err      error
	block    bool
	delay    time.Duration
	provider string
	pos      int
	closed   int
}

func (s *ScriptedStream) Next(ctx context.Context) (provider.Chunk, error) {
	s.mu.Lock()
	if delay := s.delay; delay > 0 {
		s.delay = 0
		s.mu.Unlock()
		time.Sleep(delay)
		s.mu.Lock()
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		s.mu.Unlock()
		return c, nil
	}
	block, err := s.block, s.err
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return provider.Chunk{}, &provider.Error{Class: provider.Classify(ctx.Err()), Provider: s.provider, Err: ctx.Err()}
	}
	if err != nil {
		return provider.Chunk{}, err
	}
	return provider.Chunk{}, io.EOF
}

func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Closed reports how many times Close was called.
func (s *ScriptedStream) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
