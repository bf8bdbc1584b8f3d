package router

import (
	"context"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/provider"
)

// AttemptOutcome is the feedback produced by every upstream call attempt,
// every active probe, and every stream completion.
type AttemptOutcome struct {
	RequestID     string
	ProviderID    string
	BindingID     string
	Model         string // canonical model; empty for probes
	ProviderModel string
	Attempt       int // 1-based position within the request; 0 for probes

	Success    bool
	Class      provider.Class
	StatusCode int
	Error      string

	Latency    time.Duration
	FirstChunk time.Duration // streams only
	Chunks     int           // streams only

	// Usage is set only when the upstream reported a positive total.
	Usage                 *provider.Usage
	EstimatedPromptTokens int

	Stream bool
	Probe  bool
	At     time.Time
}

// LatencyMs is Latency in whole milliseconds.
func (o AttemptOutcome) LatencyMs() int64 {
	return o.Latency.Milliseconds()
}

// OutcomeSink receives every AttemptOutcome. Implementations must not block
// for long and must not fail the caller: errors are theirs to log.
type OutcomeSink interface {
	RecordAttempt(ctx context.Context, o AttemptOutcome)
}

// SinkFunc adapts a function to OutcomeSink.
type SinkFunc func(ctx context.Context, o AttemptOutcome)

func (f SinkFunc) RecordAttempt(ctx context.Context, o AttemptOutcome) { f(ctx, o) }

// MultiSink fans an outcome out to several sinks in order.
type MultiSink []OutcomeSink

func (m MultiSink) RecordAttempt(ctx context.Context, o AttemptOutcome) {
	for _, s := range m {
		s.RecordAttempt(ctx, o)
	}
}
