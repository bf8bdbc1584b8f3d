package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/tracing"
)

// ChunkWriter receives relayed chunks in order. A write error means the
// client is gone.
type ChunkWriter interface {
	WriteChunk(provider.Chunk) error
}

type streamConfig struct {
	router     *Router
	req        *Request
	candidate  registry.Candidate
	attempt    int
	src        provider.ChunkStream
	first      provider.Chunk
	start      time.Time
	firstChunk time.Duration
	// idleTimeout bounds each read after the first chunk.
	idleTimeout time.Duration
	ctx         context.Context // attempt context, canceled on Close
	parent      context.Context // client request context
	cancel      context.CancelCauseFunc
	span        trace.Span
}

// Stream relays a live upstream chunk sequence to one consumer while keeping
// the bookkeeping needed to report a single completion outcome.
//
// The outcome is recorded exactly once, by Close, whether the sequence ended
// normally, failed mid-flight, or the consumer stopped reading. Callers must
// always Close a Stream; Forward does so itself.
type Stream struct {
	cfg streamConfig

	mu       sync.Mutex
	pending  *provider.Chunk
	last     []byte // last non-terminator payload, for usage extraction
	chunks   int
	sawDone  bool
	srcErr   error
	consumer error

	closing   atomic.Bool
	closeOnce sync.Once
}

func newStream(cfg streamConfig) *Stream {
	first := cfg.first
	return &Stream{cfg: cfg, pending: &first}
}

// Candidate is the binding serving this stream.
func (s *Stream) Candidate() registry.Candidate { return s.cfg.candidate }

// Attempts is the 1-based attempt that opened this stream.
func (s *Stream) Attempts() int { return s.cfg.attempt }

// Next returns the next chunk. It returns io.EOF after the terminal chunk,
// and a *PartialStreamError if the source fails once chunks were delivered.
func (s *Stream) Next(ctx context.Context) (provider.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sawDone {
		return provider.Chunk{}, io.EOF
	}
	if s.srcErr != nil {
		return provider.Chunk{}, s.partial(s.srcErr)
	}

	var chunk provider.Chunk
	if s.pending != nil {
		chunk, s.pending = *s.pending, nil
	} else {
		var err error
		chunk, err = s.readSource()
		if errors.Is(err, io.EOF) {
			err = &provider.Error{Class: provider.ClassTransport, Provider: s.cfg.candidate.Provider.ID, Message: "stream ended without a completion marker"}
		}
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil || s.cfg.parent.Err() != nil {
				s.consumer = context.Cause(s.cfg.parent)
				if s.consumer == nil {
					s.consumer = context.Canceled
				}
				return provider.Chunk{}, s.consumer
			}
			s.srcErr = err
			return provider.Chunk{}, s.partial(err)
		}
	}

	if chunk.Done {
		s.sawDone = true
		return chunk, nil
	}
	s.chunks++
	if len(chunk.Data) > 0 {
		s.last = chunk.Data
	}
	return chunk, nil
}

// errChunkIdleTimeout cancels a stream whose upstream went silent after
// the first chunk.
var errChunkIdleTimeout = fmt.Errorf("no chunk within attempt timeout: %w", context.DeadlineExceeded)

// readSource reads one chunk from the upstream, canceling the attempt if
// nothing arrives within the idle timeout.
func (s *Stream) readSource() (provider.Chunk, error) {
	if s.cfg.idleTimeout > 0 {
		idle := time.AfterFunc(s.cfg.idleTimeout, func() { s.cfg.cancel(errChunkIdleTimeout) })
		defer idle.Stop()
	}
	chunk, err := s.cfg.src.Next(s.cfg.ctx)
	if err != nil && errors.Is(context.Cause(s.cfg.ctx), errChunkIdleTimeout) {
		err = &provider.Error{Class: provider.ClassTimeout, Provider: s.cfg.candidate.Provider.ID, Err: errChunkIdleTimeout}
	}
	return chunk, err
}

func (s *Stream) partial(err error) error {
	return &PartialStreamError{ProviderID: s.cfg.candidate.Provider.ID, Chunks: s.chunks, Err: err}
}

// Forward writes every chunk to w until the sequence ends, w fails, or ctx
// ends. It always closes the stream. The returned error is nil only when the
// upstream completed and every chunk was written.
func (s *Stream) Forward(ctx context.Context, w ChunkWriter) error {
	defer s.Close()
	for {
		if err := ctx.Err(); err != nil {
			s.markConsumer(err)
			return err
		}
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.WriteChunk(chunk); err != nil {
			s.markConsumer(err)
			return fmt.Errorf("writing chunk to client: %w", err)
		}
	}
}

func (s *Stream) markConsumer(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumer == nil {
		s.consumer = err
	}
}

// Close ends the stream and records its completion outcome. Only the first
// call has any effect.
func (s *Stream) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.complete()
	})
	return closeErr
}

func (s *Stream) complete() error {
	// Unblocks a Next waiting on the source in another goroutine.
	s.closing.Store(true)
	s.cfg.cancel(context.Canceled)

	s.mu.Lock()
	// A consumer that stops before the terminal chunk abandons the stream.
	if !s.sawDone && s.srcErr == nil && s.consumer == nil {
		s.consumer = context.Canceled
	}
	o := s.outcomeLocked()
	s.mu.Unlock()

	closeErr := s.cfg.src.Close()

	r := s.cfg.router
	tracing.SetOutcomeAttributes(s.cfg.ctx, string(o.Class), o.StatusCode, totalTokens(o.Usage))
	if !o.Success {
		tracing.RecordError(s.cfg.ctx, errors.New(o.Error))
	}
	s.cfg.span.End()
	r.sink.RecordAttempt(context.WithoutCancel(s.cfg.parent), o)
	return closeErr
}

func (s *Stream) outcomeLocked() AttemptOutcome {
	r := s.cfg.router
	o := r.outcome(s.cfg.req, s.cfg.candidate, s.cfg.attempt, true)
	o.Latency = r.now().Sub(s.cfg.start)
	o.FirstChunk = s.cfg.firstChunk
	o.Chunks = s.chunks
	if s.last != nil {
		o.Usage = provider.ParseUsage(s.last)
	}
	if o.Usage == nil {
		o.EstimatedPromptTokens = r.estimate(s.cfg.req)
	}

	switch {
	case s.sawDone:
		o.Success = true
		o.Class = provider.ClassOK
	case s.srcErr != nil:
		r.fail(&o, s.srcErr)
	default:
		o.Class = provider.ClassCanceled
		o.Error = fmt.Sprintf("client stopped reading after %d chunk(s): %v", s.chunks, s.consumer)
	}
	return o
}
