package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/router"
	"github.com/allaspectsdev/llmrelay/internal/tracing"
)

const (
	DefaultProbeInterval    = 5 * time.Minute
	DefaultProbeTimeout     = 15 * time.Second
	DefaultProbeConcurrency = 4
)

// ProberOptions configures a Prober.
type ProberOptions struct {
	Timeout     time.Duration
	Concurrency int
}

// Prober actively checks providers. It is the only path that can bring an
// unhealthy provider back, since the router stops sending it traffic.
type Prober struct {
	registry registry.Registry
	adapters router.AdapterSource
	tracker  *Tracker
	sink     router.OutcomeSink
	logger   zerolog.Logger
	opts     ProberOptions
	now      func() time.Time
}

// NewProber creates a Prober. Outcomes go to sink, which is expected to feed
// tracker; tracker itself is only read to honor the cool-down.
func NewProber(reg registry.Registry, adapters router.AdapterSource, tracker *Tracker, sink router.OutcomeSink, logger zerolog.Logger, opts ProberOptions) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultProbeConcurrency
	}
	if sink == nil {
		sink = tracker
	}
	return &Prober{
		registry: reg,
		adapters: adapters,
		tracker:  tracker,
		sink:     sink,
		logger:   logger.With().Str("component", "prober").Logger(),
		opts:     opts,
		now:      time.Now,
	}
}

// ProbeProvider validates one provider's credentials and records the result
// like any other attempt. The error is non-nil only when the provider cannot
// be probed at all.
func (p *Prober) ProbeProvider(ctx context.Context, providerID string) (router.AttemptOutcome, error) {
	prov, err := p.registry.GetProvider(ctx, providerID)
	if err != nil {
		return router.AttemptOutcome{}, fmt.Errorf("loading provider %q: %w", providerID, err)
	}
	adapter, err := p.adapters.Get(prov.Type)
	if err != nil {
		return router.AttemptOutcome{}, fmt.Errorf("probing provider %q: %w", providerID, err)
	}

	ctx, span := tracing.StartProbeSpan(ctx, providerID)
	defer span.End()

	probeCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := p.now()
	err = adapter.ValidateCredentials(probeCtx, *prov)
	o := router.AttemptOutcome{
		ProviderID: providerID,
		Probe:      true,
		Latency:    p.now().Sub(start),
		At:         p.now(),
	}
	if err == nil || reachable(err) {
		o.Success = true
		o.Class = provider.ClassOK
		o.StatusCode = provider.StatusCode(err)
	} else {
		o.Class = provider.Classify(err)
		o.StatusCode = provider.StatusCode(err)
		o.Error = err.Error()
		tracing.RecordError(ctx, err)
	}
	tracing.SetOutcomeAttributes(ctx, string(o.Class), o.StatusCode, 0)

	if ctx.Err() != nil {
		// Shutdown interrupted the probe; it says nothing about the provider.
		return o, ctx.Err()
	}
	p.sink.RecordAttempt(context.WithoutCancel(ctx), o)
	return o, nil
}

// reachable reports whether a probe error still proves the endpoint is up
// and accepts the key: some compatible servers have no model list route.
func reachable(err error) bool {
	if provider.Classify(err) != provider.ClassUpstreamRejected {
		return false
	}
	code := provider.StatusCode(err)
	return code == http.StatusNotFound || code == http.StatusMethodNotAllowed
}

// ProbeAll probes every enabled provider that is due, at most
// opts.Concurrency at a time, and returns how many were probed.
func (p *Prober) ProbeAll(ctx context.Context) (int, error) {
	providers, err := p.registry.ListProviders(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing providers: %w", err)
	}

	now := p.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	probed := 0
	for _, prov := range providers {
		if !prov.Enabled || !p.tracker.DueForProbe(prov.ID, now) {
			continue
		}
		probed++
		id := prov.ID
		g.Go(func() error {
			o, err := p.ProbeProvider(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn().Err(err).Str("provider", id).Msg("probe skipped")
				return nil
			}
			evt := p.logger.Debug()
			if !o.Success {
				evt = p.logger.Warn().Str("class", string(o.Class)).Str("error", o.Error)
			}
			evt.Str("provider", id).Int64("latency_ms", o.LatencyMs()).Bool("ok", o.Success).Msg("probe finished")
			return nil
		})
	}
	return probed, g.Wait()
}

// Run probes immediately and then every interval until ctx ends.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	p.logger.Info().Dur("interval", interval).Msg("health prober started")

	tick := func() {
		n, err := p.ProbeAll(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("probe round failed")
			return
		}
		p.logger.Debug().Int("probed", n).Msg("probe round complete")
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("health prober stopped")
			return
		case <-ticker.C:
			tick()
		}
	}
}
