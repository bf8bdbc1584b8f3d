package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/router"
)

func TestNewCollector_Defaults(t *testing.T) {
	c := NewCollector()

	stats := c.Stats()
	if stats.TotalRequests != 0 || stats.TotalAttempts != 0 || stats.ActiveRequests != 0 {
		t.Errorf("fresh collector should be zero: %+v", stats)
	}
}

func TestCollector_RecordRequest(t *testing.T) {
	c := NewCollector()

	c.RecordRequest("glm-4", ResultSuccess, 1)
	c.RecordRequest("glm-4", ResultSuccess, 3)
	c.RecordRequest("glm-4", ResultNoEligible, 0)

	if got := testutil.ToFloat64(c.requests.WithLabelValues("glm-4", ResultSuccess)); got != 2 {
		t.Errorf("success requests: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.requests.WithLabelValues("glm-4", ResultNoEligible)); got != 1 {
		t.Errorf("no_eligible requests: got %v, want 1", got)
	}
	stats := c.Stats()
	if stats.TotalRequests != 3 || stats.Failovers != 1 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestCollector_ObserveAttempt(t *testing.T) {
	c := NewCollector()

	c.ObserveAttempt(router.AttemptOutcome{
		ProviderID: "a", Success: true, Class: provider.ClassOK, Latency: 200 * time.Millisecond,
		Stream: true, FirstChunk: 50 * time.Millisecond,
		Usage: &provider.Usage{PromptTokens: 25, CompletionTokens: 12, TotalTokens: 37},
	})
	c.ObserveAttempt(router.AttemptOutcome{
		ProviderID: "a", Class: provider.ClassUpstreamError, StatusCode: 502, Latency: time.Second,
	})

	if got := testutil.ToFloat64(c.attempts.WithLabelValues("a", "success")); got != 1 {
		t.Errorf("success attempts: got %v", got)
	}
	if got := testutil.ToFloat64(c.attempts.WithLabelValues("a", string(provider.ClassUpstreamError))); got != 1 {
		t.Errorf("failed attempts: got %v", got)
	}
	if got := testutil.ToFloat64(c.tokens.WithLabelValues("a", "prompt")); got != 25 {
		t.Errorf("prompt tokens: got %v", got)
	}
	if n := testutil.CollectAndCount(c.firstChunk); n != 1 {
		t.Errorf("first chunk series: got %d, want 1", n)
	}
	stats := c.Stats()
	if stats.TotalAttempts != 2 || stats.FailedAttempts != 1 || stats.CompletionTokens != 12 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestCollector_ProbeOutcomes(t *testing.T) {
	c := NewCollector()

	c.ObserveAttempt(router.AttemptOutcome{ProviderID: "a", Probe: true, Success: true})
	c.ObserveAttempt(router.AttemptOutcome{ProviderID: "a", Probe: true, Class: provider.ClassTransport})

	if got := testutil.ToFloat64(c.probeFailures.WithLabelValues("a")); got != 1 {
		t.Errorf("probe failures: got %v, want 1", got)
	}
	if c.Stats().TotalAttempts != 0 {
		t.Error("probes must not count as routing attempts")
	}
}

func TestCollector_ProviderHealth(t *testing.T) {
	c := NewCollector()

	c.SetProviderHealth("a", true)
	c.SetProviderHealth("b", false)
	if got := testutil.ToFloat64(c.healthy.WithLabelValues("a")); got != 1 {
		t.Errorf("a healthy: got %v", got)
	}
	if got := testutil.ToFloat64(c.healthy.WithLabelValues("b")); got != 0 {
		t.Errorf("b healthy: got %v", got)
	}

	c.ForgetProvider("b")
	if n := testutil.CollectAndCount(c.healthy); n != 1 {
		t.Errorf("series after forget: got %d, want 1", n)
	}
}

func TestCollector_ActiveRequests(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncrementActive()
			c.DecrementActive()
		}()
	}
	wg.Wait()
	c.IncrementActive()

	if got := c.Stats().ActiveRequests; got != 1 {
		t.Errorf("ActiveRequests: got %d, want 1", got)
	}
	if got := testutil.ToFloat64(c.active); got != 1 {
		t.Errorf("active gauge: got %v, want 1", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("qwen-max", ResultAllFailed, 2)
	c.RecordDropped("attempt")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`llmrelay_requests_total{model="qwen-max",result="all_failed"} 1`,
		`llmrelay_feedback_dropped_total{kind="attempt"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 30*time.Minute, "2h 30m"},
		{25*time.Hour + 15*time.Minute, "1d 1h 15m"},
	}

	for _, tt := range tests {
		got := formatDuration(tt.d)
		if got != tt.want {
			t.Errorf("formatDuration(%v): got %q, want %q", tt.d, got, tt.want)
		}
	}
}
