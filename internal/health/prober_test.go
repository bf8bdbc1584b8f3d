package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/router"
	"github.com/allaspectsdev/llmrelay/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newProber(t *testing.T, scripts map[string]testutil.Script, providers ...registry.Provider) (*Prober, *Tracker, *testutil.ScriptedAdapter) {
	t.Helper()
	reg := &testutil.StaticRegistry{Providers: providers}
	adapter := testutil.NewScriptedAdapter(scripts)
	set := provider.NewSet()
	set.Register("openai", adapter)
	tr := NewTracker(Options{FailureThreshold: 2, RecoveryThreshold: 2, Cooldown: time.Hour}, nil)
	return NewProber(reg, set, tr, nil, zerolog.Nop(), ProberOptions{Timeout: time.Second}), tr, adapter
}

func TestProbeProviderSuccess(t *testing.T) {
	p, tr, _ := newProber(t, nil, testutil.Provider("a", "openai", 0, 1))

	o, err := p.ProbeProvider(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, o.Success)
	assert.True(t, o.Probe)
	assert.Equal(t, StateHealthy, tr.State("a"))
}

func TestProbeProviderTreatsMissingModelsRouteAsReachable(t *testing.T) {
	p, tr, _ := newProber(t, map[string]testutil.Script{
		"a": {Err: &provider.Error{Class: provider.ClassUpstreamRejected, StatusCode: 404, Provider: "a"}},
	}, testutil.Provider("a", "openai", 0, 1))

	o, err := p.ProbeProvider(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, o.Success)
	assert.True(t, tr.IsHealthy("a"))
}

func TestProbeProviderFailureFeedsTracker(t *testing.T) {
	p, tr, _ := newProber(t, map[string]testutil.Script{
		"a": {Err: &provider.Error{Class: provider.ClassUpstreamRejected, StatusCode: 401, Provider: "a", Message: "invalid key"}},
	}, testutil.Provider("a", "openai", 0, 1))

	for i := 0; i < 2; i++ {
		o, err := p.ProbeProvider(context.Background(), "a")
		require.NoError(t, err)
		assert.False(t, o.Success)
		assert.Equal(t, 401, o.StatusCode)
	}
	assert.False(t, tr.IsHealthy("a"))
}

func TestProbeProviderUnknown(t *testing.T) {
	p, _, _ := newProber(t, nil)
	_, err := p.ProbeProvider(context.Background(), "ghost")
	assert.ErrorIs(t, err, registry.ErrProviderNotFound)
}

func TestProbeProviderTimeout(t *testing.T) {
	reg := &testutil.StaticRegistry{Providers: []registry.Provider{testutil.Provider("slow", "openai", 0, 1)}}
	set := provider.NewSet()
	set.Register("openai", testutil.NewScriptedAdapter(map[string]testutil.Script{"slow": {Block: true}}))
	tr := NewTracker(Options{}, nil)
	p := NewProber(reg, set, tr, nil, zerolog.Nop(), ProberOptions{Timeout: 20 * time.Millisecond})

	o, err := p.ProbeProvider(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, provider.ClassTimeout, o.Class)
	rec, ok := tr.Get("slow")
	require.True(t, ok)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestProbeAllSkipsDisabledAndCoolingDown(t *testing.T) {
	disabled := testutil.Provider("off", "openai", 0, 1)
	disabled.Enabled = false
	p, tr, adapter := newProber(t, nil,
		testutil.Provider("a", "openai", 0, 1),
		testutil.Provider("b", "openai", 0, 1),
		testutil.Provider("sick", "openai", 0, 1),
		disabled,
	)
	tr.Load([]Record{{ProviderID: "sick", State: StateUnhealthy, NextProbeAt: time.Now().Add(time.Hour)}})

	n, err := p.ProbeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"a", "b"}, adapter.Calls())
}

func TestProbeAllRecoversAfterCooldown(t *testing.T) {
	p, tr, _ := newProber(t, nil, testutil.Provider("sick", "openai", 0, 1))
	tr.Load([]Record{{ProviderID: "sick", State: StateUnhealthy, NextProbeAt: time.Now().Add(-time.Second), SuccessRate: 0.2}})

	_, err := p.ProbeAll(context.Background())
	require.NoError(t, err)
	assert.False(t, tr.IsHealthy("sick"), "one success is not a recovery streak")

	// The successful probe keeps the provider due on the next round.
	_, err = p.ProbeAll(context.Background())
	require.NoError(t, err)
	assert.True(t, tr.IsHealthy("sick"))
}

type countingSink struct {
	mu sync.Mutex
	n  int
}

func (c *countingSink) RecordAttempt(context.Context, router.AttemptOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func TestProbeAllRegistryError(t *testing.T) {
	reg := &testutil.StaticRegistry{Err: errors.New("db down")}
	p := NewProber(reg, provider.NewSet(), NewTracker(Options{}, nil), &countingSink{}, zerolog.Nop(), ProberOptions{})
	_, err := p.ProbeAll(context.Background())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	sink := &countingSink{}
	reg := &testutil.StaticRegistry{Providers: []registry.Provider{testutil.Provider("a", "openai", 0, 1)}}
	set := provider.NewSet()
	set.Register("openai", testutil.NewScriptedAdapter(nil))
	p := NewProber(reg, set, NewTracker(Options{}, nil), sink, zerolog.Nop(), ProberOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.n >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
