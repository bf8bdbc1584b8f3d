package router

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []AttemptOutcome
}

func (s *recordingSink) RecordAttempt(_ context.Context, o AttemptOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

func (s *recordingSink) all() []AttemptOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AttemptOutcome(nil), s.outcomes...)
}

type fixedEstimator int

func (e fixedEstimator) EstimatePrompt(string, []provider.Message) int { return int(e) }

type fixture struct {
	reg     *testutil.StaticRegistry
	adapter *testutil.ScriptedAdapter
	sink    *recordingSink
	health  healthSet
	router  *Router
}

// newFixture binds every provider id to model "gpt-4o" with equal weights.
// Priorities follow argument order and gating is on, so attempts run in order.
func newFixture(t *testing.T, maxRetry int, scripts map[string]testutil.Script, ids ...string) *fixture {
	t.Helper()
	f := &fixture{
		reg:     &testutil.StaticRegistry{Models: []registry.CanonicalModel{testutil.Model("gpt-4o", maxRetry)}},
		adapter: testutil.NewScriptedAdapter(scripts),
		sink:    &recordingSink{},
		health:  healthSet{},
	}
	for i, id := range ids {
		f.reg.Providers = append(f.reg.Providers, testutil.Provider(id, "openai", i, 100))
		f.reg.Bindings = append(f.reg.Bindings, testutil.Binding(id, "gpt-4o", id+"-gpt-4o", 1))
	}
	set := provider.NewSet()
	set.Register("openai", f.adapter)
	f.router = New(f.reg, f.health, set, f.sink, fixedEstimator(11), zerolog.Nop(), Options{
		PriorityGating: true,
		Source:         rand.NewPCG(42, 42),
	})
	return f
}

func chatRequest(stream bool) *Request {
	return &Request{
		ID: "req-1",
		Provider: &provider.Request{
			Model:    "gpt-4o",
			Body:     testutil.SampleChatRequest("gpt-4o", stream),
			Stream:   stream,
			Messages: testutil.SampleMessages(1),
		},
	}
}

func upstreamErr(id string, status int) error {
	class := provider.ClassUpstreamError
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		class = provider.ClassUpstreamRejected
	}
	return &provider.Error{Class: class, StatusCode: status, Provider: id, Message: http.StatusText(status)}
}

func TestRouteSucceedsFirstTry(t *testing.T) {
	usage := &provider.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}
	f := newFixture(t, 3, map[string]testutil.Script{
		"a": {Response: &provider.Response{StatusCode: 200, Body: testutil.SampleChatResponse("gpt-4o"), Usage: usage}},
	}, "a")

	res, err := f.router.Route(context.Background(), chatRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Candidate.Provider.ID)
	assert.Equal(t, 1, res.Attempts)

	outs := f.sink.all()
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Success)
	assert.Equal(t, provider.ClassOK, outs[0].Class)
	assert.Equal(t, usage, outs[0].Usage)
	assert.Zero(t, outs[0].EstimatedPromptTokens)
	assert.Equal(t, "gpt-4o", outs[0].Model)
	assert.Equal(t, "req-1", outs[0].RequestID)
}

func TestRouteFailsOverAcrossCandidates(t *testing.T) {
	f := newFixture(t, 3, map[string]testutil.Script{
		"a": {Err: upstreamErr("a", 503)},
		"b": {Err: &provider.Error{Class: provider.ClassTimeout, Provider: "b", Err: context.DeadlineExceeded}},
		"c": {},
	}, "a", "b", "c")

	res, err := f.router.Route(context.Background(), chatRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "c", res.Candidate.Provider.ID)
	assert.Equal(t, 3, res.Attempts)

	outs := f.sink.all()
	require.Len(t, outs, 3)
	assert.False(t, outs[0].Success)
	assert.False(t, outs[1].Success)
	assert.True(t, outs[2].Success)
	assert.Equal(t, 11, outs[2].EstimatedPromptTokens, "missing usage falls back to the estimate")

	assert.Equal(t, []string{"a", "b", "c"}, f.adapter.Calls())
}

func TestRouteRejectedContinuesToNextBinding(t *testing.T) {
	f := newFixture(t, 2, map[string]testutil.Script{
		"a": {Err: upstreamErr("a", 400)},
		"b": {Err: upstreamErr("b", 400)},
	}, "a", "b")

	_, err := f.router.Route(context.Background(), chatRequest(false))
	var all *AllCandidatesFailedError
	require.ErrorAs(t, err, &all)
	assert.ErrorIs(t, err, ErrAllCandidatesFailed)
	assert.Len(t, all.Attempts, 2)
	assert.True(t, all.AllRejected())
	for _, a := range all.Attempts {
		assert.Equal(t, provider.ClassUpstreamRejected, a.Class)
		assert.Equal(t, 400, a.StatusCode)
	}
}

func TestRouteAttemptsBoundedByMaxRetryAndCandidates(t *testing.T) {
	failing := map[string]testutil.Script{}
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		failing[id] = testutil.Script{Err: upstreamErr(id, 500)}
	}

	tests := []struct {
		name     string
		maxRetry int
		override int
		ids      []string
		want     int
	}{
		{"max_retry below candidates", 2, 0, ids, 2},
		{"max_retry above candidates", 10, 0, ids[:3], 3},
		{"request override", 2, 4, ids, 4},
		{"model unset uses default", 0, 0, ids, DefaultMaxRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.maxRetry, failing, tt.ids...)
			req := chatRequest(false)
			req.MaxAttempts = tt.override

			_, err := f.router.Route(context.Background(), req)
			var all *AllCandidatesFailedError
			require.ErrorAs(t, err, &all)
			assert.Len(t, all.Attempts, tt.want)
			assert.Len(t, f.adapter.Calls(), tt.want)
			assert.Len(t, f.sink.all(), tt.want)

			seen := map[string]bool{}
			for _, id := range f.adapter.Calls() {
				assert.False(t, seen[id], "provider %s attempted twice", id)
				seen[id] = true
			}
		})
	}
}

func TestRouteNoEligibleProvider(t *testing.T) {
	t.Run("unknown model", func(t *testing.T) {
		f := newFixture(t, 3, nil, "a")
		req := chatRequest(false)
		req.Provider.Model = "nope"
		_, err := f.router.Route(context.Background(), req)
		assert.ErrorIs(t, err, ErrNoEligibleProvider)
		assert.Empty(t, f.adapter.Calls())
	})

	t.Run("all unhealthy", func(t *testing.T) {
		f := newFixture(t, 3, nil, "a", "b")
		f.health["a"] = false
		f.health["b"] = false
		_, err := f.router.Route(context.Background(), chatRequest(false))
		var ne *NoEligibleProviderError
		require.ErrorAs(t, err, &ne)
		assert.Contains(t, ne.Reason, "unhealthy")
		assert.Empty(t, f.adapter.Calls())
		assert.Empty(t, f.sink.all())
	})

	t.Run("model disabled", func(t *testing.T) {
		f := newFixture(t, 3, nil, "a")
		f.reg.Models[0].Enabled = false
		_, err := f.router.Route(context.Background(), chatRequest(false))
		assert.ErrorIs(t, err, ErrNoEligibleProvider)
	})
}

func TestRoutePinnedProvider(t *testing.T) {
	f := newFixture(t, 3, nil, "a", "b", "c")
	req := chatRequest(false)
	req.Pin = "b"

	res, err := f.router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Candidate.Provider.ID)
}

func TestRouteCancellationStopsRetries(t *testing.T) {
	f := newFixture(t, 3, map[string]testutil.Script{
		"a": {Block: true},
		"b": {Block: true},
	}, "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.router.Route(ctx, chatRequest(false))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.adapter.Calls(), 1, "no further attempts after the client goes away")

	outs := f.sink.all()
	require.Len(t, outs, 1)
	assert.Equal(t, provider.ClassCanceled, outs[0].Class)
}

func TestRouteAttemptTimeout(t *testing.T) {
	f := newFixture(t, 2, map[string]testutil.Script{
		"a": {Block: true},
		"b": {},
	}, "a", "b")
	req := chatRequest(false)
	req.Timeout = 20 * time.Millisecond

	res, err := f.router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Candidate.Provider.ID)

	outs := f.sink.all()
	require.Len(t, outs, 2)
	assert.Equal(t, provider.ClassTimeout, outs[0].Class)
}

func TestRouteUnknownAdapterTypeFailsOver(t *testing.T) {
	f := newFixture(t, 2, nil, "a", "b")
	f.reg.Providers[0].Type = "mystery"

	res, err := f.router.Route(context.Background(), chatRequest(false))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Candidate.Provider.ID)
}

func TestRouteRegistryErrorIsNotNoEligible(t *testing.T) {
	f := newFixture(t, 2, nil, "a")
	f.reg.Err = errors.New("db down")
	_, err := f.router.Route(context.Background(), chatRequest(false))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoEligibleProvider)
}
