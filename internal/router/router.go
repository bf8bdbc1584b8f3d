// Package router drives one client request end to end: it resolves the
// eligible bindings of a canonical model, draws candidates by weight, invokes
// provider adapters, fails over across alternates, and reports every attempt
// to an OutcomeSink.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/tracing"
)

// Defaults applied when neither the request, the model, nor the provider
// set a value.
const (
	DefaultMaxRetry       = 3
	DefaultAttemptTimeout = 60 * time.Second
	DefaultRetryBaseDelay = 100 * time.Millisecond
	DefaultRetryMaxDelay  = 2 * time.Second
)

// Options configures a Router.
type Options struct {
	DefaultMaxRetry int
	DefaultTimeout  time.Duration
	// RetryBaseDelay is the backoff base between candidates. Zero disables
	// the pause.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	WeightMode     registry.WeightMode
	PriorityGating bool
	// Source seeds candidate selection. Nil uses the global source.
	Source rand.Source
}

// AdapterSource looks up the adapter for a provider type tag.
type AdapterSource interface {
	Get(typ string) (provider.Adapter, error)
}

// TokenEstimator approximates prompt tokens when an upstream reports none.
type TokenEstimator interface {
	EstimatePrompt(model string, msgs []provider.Message) int
}

// Request is one logical client request.
type Request struct {
	ID       string
	Provider *provider.Request
	// Pin restricts routing to one provider id.
	Pin string
	// MaxAttempts overrides the model's max_retry when positive.
	MaxAttempts int
	// Timeout overrides the per-attempt timeout when positive.
	Timeout time.Duration
}

// Result is a successful unary completion.
type Result struct {
	Response  *provider.Response
	Candidate registry.Candidate
	Attempts  int
}

// Router is the request orchestrator. It is safe for concurrent use.
type Router struct {
	registry  registry.Registry
	resolver  *Resolver
	selector  *Selector
	adapters  AdapterSource
	sink      OutcomeSink
	estimator TokenEstimator
	logger    zerolog.Logger
	opts      Options

	now func() time.Time
}

// New creates a Router. sink and estimator may be nil.
func New(reg registry.Registry, health HealthChecker, adapters AdapterSource, sink OutcomeSink, estimator TokenEstimator, logger zerolog.Logger, opts Options) *Router {
	if opts.DefaultMaxRetry <= 0 {
		opts.DefaultMaxRetry = DefaultMaxRetry
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultAttemptTimeout
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if sink == nil {
		sink = SinkFunc(func(context.Context, AttemptOutcome) {})
	}
	return &Router{
		registry:  reg,
		resolver:  NewResolver(reg, health),
		selector:  NewSelector(opts.WeightMode, opts.PriorityGating, opts.Source),
		adapters:  adapters,
		sink:      sink,
		estimator: estimator,
		logger:    logger.With().Str("component", "router").Logger(),
		opts:      opts,
		now:       time.Now,
	}
}

// plan is the resolved routing budget for one request.
type plan struct {
	model       registry.CanonicalModel
	candidates  []registry.Candidate
	maxAttempts int
	timeout     time.Duration
}

func (r *Router) plan(ctx context.Context, req *Request) (*plan, error) {
	name := req.Provider.Model
	model, err := r.registry.GetCanonicalModel(ctx, name)
	if errors.Is(err, registry.ErrModelNotFound) {
		return nil, &NoEligibleProviderError{Model: name, Reason: "unknown model"}
	}
	if err != nil {
		return nil, fmt.Errorf("loading model %q: %w", name, err)
	}
	if !model.Enabled {
		return nil, &NoEligibleProviderError{Model: name, Reason: "model is disabled"}
	}

	cands, excl, err := r.resolver.Resolve(ctx, name, Requirements{
		Capabilities: req.Provider.Requires,
		Provider:     req.Pin,
	})
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, &NoEligibleProviderError{Model: name, Reason: excl.Reason()}
	}

	p := &plan{model: *model, candidates: cands}
	switch {
	case req.MaxAttempts > 0:
		p.maxAttempts = req.MaxAttempts
	case model.MaxRetry > 0:
		p.maxAttempts = model.MaxRetry
	case cands[0].Provider.MaxRetries > 0:
		p.maxAttempts = cands[0].Provider.MaxRetries
	default:
		p.maxAttempts = r.opts.DefaultMaxRetry
	}
	p.maxAttempts = min(p.maxAttempts, len(cands))

	switch {
	case req.Timeout > 0:
		p.timeout = req.Timeout
	case model.Timeout > 0:
		p.timeout = model.Timeout
	}
	return p, nil
}

// attemptTimeout falls back to the candidate's provider timeout, then the
// router default.
func (r *Router) attemptTimeout(p *plan, c registry.Candidate) time.Duration {
	switch {
	case p.timeout > 0:
		return p.timeout
	case c.Provider.Timeout > 0:
		return c.Provider.Timeout
	default:
		return r.opts.DefaultTimeout
	}
}

// next pauses before every attempt but the first, then draws an untried
// candidate.
func (r *Router) next(ctx context.Context, p *plan, attempt int, tried map[string]bool) (registry.Candidate, error) {
	if attempt > 1 {
		if err := sleepWithContext(ctx, backoffDelay(attempt-2, r.opts.RetryBaseDelay, r.opts.RetryMaxDelay)); err != nil {
			return registry.Candidate{}, err
		}
	}
	c, ok := r.selector.Pick(p.candidates, tried)
	if !ok {
		return registry.Candidate{}, errCandidatesExhausted
	}
	tried[c.Key()] = true
	return c, nil
}

var errCandidatesExhausted = errors.New("candidates exhausted")

// Route serves a unary completion, failing over across candidates until one
// succeeds, the attempt budget is spent, or ctx ends.
func (r *Router) Route(ctx context.Context, req *Request) (*Result, error) {
	tracing.SetRequestAttributes(ctx, req.ID, req.Provider.Model, false)
	p, err := r.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With().Str("request_id", req.ID).Str("model", p.model.Name).Logger()

	tried := make(map[string]bool, len(p.candidates))
	var failures []AttemptError
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		c, err := r.next(ctx, p, attempt, tried)
		if errors.Is(err, errCandidatesExhausted) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("request canceled between attempts: %w", err)
		}

		resp, err := r.invoke(ctx, req, p, c, attempt)
		if err == nil {
			return &Result{Response: resp, Candidate: c, Attempts: attempt}, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("request canceled during attempt %d: %w", attempt, context.Cause(ctx))
		}
		failures = append(failures, attemptError(attempt, c, err))
		logger.Warn().Err(err).
			Str("provider", c.Provider.ID).
			Str("provider_model", c.Binding.ProviderModel).
			Int("attempt", attempt).
			Str("class", string(provider.Classify(err))).
			Msg("attempt failed, trying next candidate")
	}
	return nil, &AllCandidatesFailedError{Model: p.model.Name, Attempts: failures}
}

func (r *Router) invoke(ctx context.Context, req *Request, p *plan, c registry.Candidate, attempt int) (*provider.Response, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, p.model.Name, c.Provider.ID, c.Binding.ProviderModel, attempt, false)
	defer span.End()

	start := r.now()
	resp, err := r.callUnary(ctx, req, p, c)
	o := r.outcome(req, c, attempt, false)
	o.Latency = r.now().Sub(start)
	if err != nil {
		r.fail(&o, err)
	} else {
		o.Success = true
		o.Class = provider.ClassOK
		o.StatusCode = resp.StatusCode
		o.Usage = resp.Usage
		if o.Usage == nil {
			o.EstimatedPromptTokens = r.estimate(req)
		}
	}
	tracing.SetOutcomeAttributes(ctx, string(o.Class), o.StatusCode, totalTokens(o.Usage))
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	// Recorded before the next attempt starts so a retry sees fresh health.
	r.sink.RecordAttempt(context.WithoutCancel(ctx), o)
	return resp, err
}

func (r *Router) callUnary(ctx context.Context, req *Request, p *plan, c registry.Candidate) (*provider.Response, error) {
	adapter, err := r.adapters.Get(c.Provider.Type)
	if err != nil {
		return nil, &provider.Error{Class: provider.ClassUpstreamRejected, Provider: c.Provider.ID, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, r.attemptTimeout(p, c))
	defer cancel()
	return adapter.Invoke(ctx, req.Provider, c)
}

// RouteStreaming opens a stream on the first candidate that produces a first
// chunk. Failures before the first chunk fail over like unary attempts; after
// it, the returned Stream owns the outcome.
func (r *Router) RouteStreaming(ctx context.Context, req *Request) (*Stream, error) {
	tracing.SetRequestAttributes(ctx, req.ID, req.Provider.Model, true)
	p, err := r.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With().Str("request_id", req.ID).Str("model", p.model.Name).Logger()

	tried := make(map[string]bool, len(p.candidates))
	var failures []AttemptError
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		c, err := r.next(ctx, p, attempt, tried)
		if errors.Is(err, errCandidatesExhausted) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("request canceled between attempts: %w", err)
		}

		s, err := r.open(ctx, req, p, c, attempt)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request canceled during attempt %d: %w", attempt, context.Cause(ctx))
		}
		failures = append(failures, attemptError(attempt, c, err))
		logger.Warn().Err(err).
			Str("provider", c.Provider.ID).
			Int("attempt", attempt).
			Str("class", string(provider.Classify(err))).
			Msg("stream failed before first chunk, trying next candidate")
	}
	return nil, &AllCandidatesFailedError{Model: p.model.Name, Attempts: failures}
}

// errFirstChunkTimeout cancels an attempt that connected but stayed silent.
var errFirstChunkTimeout = fmt.Errorf("no chunk before attempt timeout: %w", context.DeadlineExceeded)

func (r *Router) open(ctx context.Context, req *Request, p *plan, c registry.Candidate, attempt int) (*Stream, error) {
	spanCtx, span := tracing.StartAttemptSpan(ctx, p.model.Name, c.Provider.ID, c.Binding.ProviderModel, attempt, true)
	streamCtx, cancel := context.WithCancelCause(spanCtx)
	timer := time.AfterFunc(r.attemptTimeout(p, c), func() { cancel(errFirstChunkTimeout) })

	start := r.now()
	failed := func(err error) error {
		timer.Stop()
		if errors.Is(context.Cause(streamCtx), errFirstChunkTimeout) && ctx.Err() == nil {
			err = &provider.Error{Class: provider.ClassTimeout, Provider: c.Provider.ID, Err: errFirstChunkTimeout}
		}
		cancel(err)
		o := r.outcome(req, c, attempt, true)
		o.Latency = r.now().Sub(start)
		r.fail(&o, err)
		tracing.SetOutcomeAttributes(spanCtx, string(o.Class), o.StatusCode, 0)
		tracing.RecordError(spanCtx, err)
		span.End()
		r.sink.RecordAttempt(context.WithoutCancel(ctx), o)
		return err
	}

	adapter, err := r.adapters.Get(c.Provider.Type)
	if err != nil {
		return nil, failed(&provider.Error{Class: provider.ClassUpstreamRejected, Provider: c.Provider.ID, Err: err})
	}
	src, err := adapter.InvokeStream(streamCtx, req.Provider, c)
	if err != nil {
		return nil, failed(err)
	}
	first, err := src.Next(streamCtx)
	if err != nil {
		_ = src.Close()
		if errors.Is(err, io.EOF) {
			err = &provider.Error{Class: provider.ClassTransport, Provider: c.Provider.ID, Message: "stream ended before first chunk"}
		}
		return nil, failed(err)
	}
	if !timer.Stop() && errors.Is(context.Cause(streamCtx), errFirstChunkTimeout) {
		// The chunk arrived, but only after the deadline had already
		// canceled the attempt.
		_ = src.Close()
		return nil, failed(errFirstChunkTimeout)
	}

	return newStream(streamConfig{
		router:      r,
		req:         req,
		candidate:   c,
		attempt:     attempt,
		src:         src,
		first:       first,
		start:       start,
		firstChunk:  r.now().Sub(start),
		idleTimeout: r.attemptTimeout(p, c),
		ctx:         streamCtx,
		parent:      ctx,
		cancel:      cancel,
		span:        span,
	}), nil
}

func (r *Router) outcome(req *Request, c registry.Candidate, attempt int, stream bool) AttemptOutcome {
	return AttemptOutcome{
		RequestID:     req.ID,
		ProviderID:    c.Provider.ID,
		BindingID:     c.Binding.ID,
		Model:         c.Model.Name,
		ProviderModel: c.Binding.ProviderModel,
		Attempt:       attempt,
		Stream:        stream,
		At:            r.now(),
	}
}

func (r *Router) fail(o *AttemptOutcome, err error) {
	o.Success = false
	o.Class = provider.Classify(err)
	o.StatusCode = provider.StatusCode(err)
	o.Error = err.Error()
}

func (r *Router) estimate(req *Request) int {
	if r.estimator == nil {
		return 0
	}
	return r.estimator.EstimatePrompt(req.Provider.Model, req.Provider.Messages)
}

func totalTokens(u *provider.Usage) int {
	if u == nil {
		return 0
	}
	return u.TotalTokens
}
