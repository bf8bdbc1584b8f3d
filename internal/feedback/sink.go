// Package feedback turns attempt outcomes into health updates, metrics and
// persisted attempt logs. The request path only ever touches memory; all
// database writes go through one bounded background queue.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/metrics"
	"github.com/allaspectsdev/llmrelay/internal/router"
	"github.com/allaspectsdev/llmrelay/internal/store"
)

// Defaults for Options.
const (
	DefaultQueueSize    = 1024
	DefaultWriteTimeout = 5 * time.Second
)

// Writer is the persistence the sink needs. *store.Store satisfies it.
type Writer interface {
	InsertAttempt(ctx context.Context, a *store.Attempt) error
	UpsertHealthRecord(ctx context.Context, h *store.HealthRecord) (bool, error)
}

// Options configures a Sink.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
}

type job struct {
	attempt *store.Attempt
	health  *store.HealthRecord
}

// Sink implements router.OutcomeSink. Create the tracker through
// Sink.NewTracker so health transitions are persisted too.
type Sink struct {
	writer  Writer
	metrics *metrics.Collector
	tracker *health.Tracker
	logger  zerolog.Logger
	opts    Options

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool
	queue  chan job
	done   chan struct{}

	states sync.Map // provider id -> health.State last seen
}

// New creates a Sink and starts its writer goroutine. writer and m may be
// nil; without a writer nothing is persisted.
func New(writer Writer, m *metrics.Collector, logger zerolog.Logger, opts Options) *Sink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	s := &Sink{
		writer:  writer,
		metrics: m,
		logger:  logger.With().Str("component", "feedback").Logger(),
		opts:    opts,
		done:    make(chan struct{}),
	}
	if writer == nil {
		close(s.done)
		return s
	}
	s.queue = make(chan job, opts.QueueSize)
	go s.run()
	return s
}

// NewTracker creates the health tracker this sink feeds and whose changes
// it persists.
func (s *Sink) NewTracker(opts health.Options) *health.Tracker {
	s.tracker = health.NewTracker(opts, s.healthChanged)
	return s.tracker
}

// Tracker returns the tracker created by NewTracker, or nil.
func (s *Sink) Tracker() *health.Tracker { return s.tracker }

// RecordAttempt applies o to the tracker and metrics, then queues it for
// persistence. It never blocks on the database.
func (s *Sink) RecordAttempt(_ context.Context, o router.AttemptOutcome) {
	if s.tracker != nil {
		s.tracker.Observe(o)
	}
	if s.metrics != nil {
		s.metrics.ObserveAttempt(o)
	}
	if s.writer != nil {
		s.enqueue(job{attempt: ToAttempt(o)}, "attempt")
	}
}

// healthChanged is the tracker's change hook.
func (s *Sink) healthChanged(rec health.Record) {
	if s.metrics != nil {
		s.metrics.SetProviderHealth(rec.ProviderID, rec.Healthy())
	}
	if prev, loaded := s.states.Swap(rec.ProviderID, rec.State); !loaded || prev.(health.State) != rec.State {
		s.logTransition(rec)
	}
	if s.writer != nil {
		h := ToHealthRecord(rec)
		s.enqueue(job{health: &h}, "health")
	}
}

func (s *Sink) logTransition(rec health.Record) {
	switch rec.State {
	case health.StateUnhealthy:
		s.logger.Warn().
			Str("provider", rec.ProviderID).
			Int("consecutive_failures", rec.ConsecutiveFailures).
			Str("error", rec.ErrorMessage).
			Time("next_probe_at", rec.NextProbeAt).
			Msg("provider marked unhealthy")
	case health.StateHealthy:
		s.logger.Info().
			Str("provider", rec.ProviderID).
			Float64("success_rate", rec.SuccessRate).
			Msg("provider healthy")
	}
}

func (s *Sink) enqueue(j job, kind string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- j:
	default:
		if s.metrics != nil {
			s.metrics.RecordDropped(kind)
		}
		s.logger.Warn().Str("kind", kind).Int("queue_size", s.opts.QueueSize).Msg("feedback queue full, record dropped")
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for j := range s.queue {
		s.write(j)
	}
}

// write persists one job. Failures are logged and discarded.
func (s *Sink) write(j job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("feedback writer: recovered from panic")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()

	switch {
	case j.attempt != nil:
		if err := s.writer.InsertAttempt(ctx, j.attempt); err != nil {
			s.logger.Warn().Err(err).Str("provider", j.attempt.ProviderID).Msg("failed to persist attempt")
		}
	case j.health != nil:
		applied, err := s.writer.UpsertHealthRecord(ctx, j.health)
		if err != nil {
			s.logger.Warn().Err(err).Str("provider", j.health.ProviderID).Msg("failed to persist health")
			return
		}
		if !applied {
			s.logger.Debug().Str("provider", j.health.ProviderID).Msg("stale health record skipped")
		}
	}
}

// Close stops accepting records and waits for queued ones to be written,
// or for ctx to end. It is safe to call more than once.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if s.queue != nil {
			close(s.queue)
		}
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("feedback: draining queue: %w", ctx.Err())
	}
}

// Pending returns the number of queued records.
func (s *Sink) Pending() int {
	if s.queue == nil {
		return 0
	}
	return len(s.queue)
}

// ToAttempt converts an outcome to its persisted form with a fresh ID.
func ToAttempt(o router.AttemptOutcome) *store.Attempt {
	kind := store.KindRequest
	switch {
	case o.Probe:
		kind = store.KindProbe
	case o.Stream:
		kind = store.KindStream
	}
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	class := string(o.Class)
	if o.Success && class == "" {
		class = "ok"
	}
	a := &store.Attempt{
		ID:                    uuid.New().String(),
		RequestID:             o.RequestID,
		Timestamp:             at,
		Kind:                  kind,
		Model:                 o.Model,
		ProviderID:            o.ProviderID,
		BindingID:             o.BindingID,
		ProviderModel:         o.ProviderModel,
		Attempt:               o.Attempt,
		Success:               o.Success,
		StatusClass:           class,
		StatusCode:            o.StatusCode,
		LatencyMs:             o.LatencyMs(),
		FirstChunkMs:          o.FirstChunk.Milliseconds(),
		Chunks:                o.Chunks,
		EstimatedPromptTokens: int64(o.EstimatedPromptTokens),
		ErrorMessage:          o.Error,
	}
	if u := o.Usage; u != nil {
		a.PromptTokens = sql.NullInt64{Int64: int64(u.PromptTokens), Valid: true}
		a.CompletionTokens = sql.NullInt64{Int64: int64(u.CompletionTokens), Valid: true}
		a.TotalTokens = sql.NullInt64{Int64: int64(u.TotalTokens), Valid: true}
	}
	return a
}

// ToHealthRecord converts a tracker record to its persisted form.
func ToHealthRecord(r health.Record) store.HealthRecord {
	return store.HealthRecord{
		ProviderID:           r.ProviderID,
		State:                r.State.String(),
		ConsecutiveFailures:  r.ConsecutiveFailures,
		ConsecutiveSuccesses: r.ConsecutiveSuccesses,
		SuccessRate:          r.SuccessRate,
		ResponseTimeMs:       r.ResponseTimeMs,
		TotalChecks:          r.TotalChecks,
		LastStatusCode:       r.LastStatusCode,
		LastCheck:            r.LastCheck,
		LastSuccessAt:        r.LastSuccessAt,
		NextProbeAt:          r.NextProbeAt,
		ErrorMessage:         r.ErrorMessage,
	}
}

// FromHealthRecord converts a persisted record back to the tracker's form.
func FromHealthRecord(h store.HealthRecord) (health.Record, error) {
	state, err := health.ParseState(h.State)
	if err != nil {
		return health.Record{}, fmt.Errorf("provider %q: %w", h.ProviderID, err)
	}
	return health.Record{
		ProviderID:           h.ProviderID,
		State:                state,
		ConsecutiveFailures:  h.ConsecutiveFailures,
		ConsecutiveSuccesses: h.ConsecutiveSuccesses,
		SuccessRate:          h.SuccessRate,
		ResponseTimeMs:       h.ResponseTimeMs,
		TotalChecks:          h.TotalChecks,
		LastStatusCode:       h.LastStatusCode,
		LastCheck:            h.LastCheck,
		LastSuccessAt:        h.LastSuccessAt,
		NextProbeAt:          h.NextProbeAt,
		ErrorMessage:         h.ErrorMessage,
	}, nil
}

// HealthLister reads persisted health records. *store.Store satisfies it.
type HealthLister interface {
	ListHealthRecords(ctx context.Context) ([]*store.HealthRecord, error)
}

// Restore loads persisted health into the tracker and the metrics gauges.
// Rows with an unknown state are skipped. It returns how many were loaded.
func (s *Sink) Restore(ctx context.Context, src HealthLister) (int, error) {
	if s.tracker == nil {
		return 0, fmt.Errorf("feedback: restore before NewTracker")
	}
	rows, err := src.ListHealthRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("feedback: loading health: %w", err)
	}
	records := make([]health.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := FromHealthRecord(*row)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping persisted health record")
			continue
		}
		records = append(records, rec)
		s.states.Store(rec.ProviderID, rec.State)
		if s.metrics != nil {
			s.metrics.SetProviderHealth(rec.ProviderID, rec.Healthy())
		}
	}
	s.tracker.Load(records)
	return len(records), nil
}

// Forget drops everything held in memory for a provider that left the
// registry.
func (s *Sink) Forget(providerID string) {
	if s.tracker != nil {
		s.tracker.Forget(providerID)
	}
	s.states.Delete(providerID)
	if s.metrics != nil {
		s.metrics.ForgetProvider(providerID)
	}
}
