// Package health keeps a per-provider health state machine fed by attempt
// outcomes and an active prober, and exposes the health predicate the router
// filters candidates with.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/router"
)

// State is the effective health of a provider.
type State int

const (
	// StateNew means no outcome has been observed yet. New providers are
	// routable.
	StateNew State = iota
	// StateHealthy providers are routable.
	StateHealthy
	// StateUnhealthy providers are excluded from routing until the prober
	// observes a recovery streak.
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "new":
		return StateNew, nil
	case "healthy":
		return StateHealthy, nil
	case "unhealthy":
		return StateUnhealthy, nil
	default:
		return StateNew, fmt.Errorf("unknown health state %q", s)
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Record is the health of one provider.
type Record struct {
	ProviderID           string    `json:"provider_id"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	SuccessRate          float64   `json:"success_rate"`
	ResponseTimeMs       int64     `json:"response_time_ms"`
	TotalChecks          int64     `json:"total_checks"`
	LastStatusCode       int       `json:"last_status_code,omitempty"`
	LastCheck            time.Time `json:"last_check"`
	LastSuccessAt        time.Time `json:"last_success_at,omitzero"`
	NextProbeAt          time.Time `json:"next_probe_at,omitzero"`
	ErrorMessage         string    `json:"error_message,omitempty"`
}

// Healthy reports whether the record allows routing.
func (r Record) Healthy() bool { return r.State != StateUnhealthy }

// Defaults for Options.
const (
	DefaultFailureThreshold  = 5
	DefaultRecoveryThreshold = 2
	DefaultCooldown          = time.Hour
	DefaultAlpha             = 0.1
)

// Options tunes the state machine.
type Options struct {
	// FailureThreshold consecutive failures mark a provider unhealthy.
	FailureThreshold int
	// RecoveryThreshold consecutive successes mark it healthy again.
	RecoveryThreshold int
	// Cooldown is how long an unhealthy provider waits before its next probe.
	Cooldown time.Duration
	// Alpha is the EWMA smoothing factor for SuccessRate, in (0, 1].
	Alpha float64
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.RecoveryThreshold <= 0 {
		o.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = DefaultCooldown
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = DefaultAlpha
	}
	return o
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Tracker holds one Record per provider. Updates lock only the affected
// provider's entry, so concurrent requests to different providers never
// contend.
type Tracker struct {
	opts     Options
	entries  sync.Map // provider id -> *entry
	onChange func(Record)
	now      func() time.Time
}

// NewTracker creates a Tracker. onChange, if non-nil, receives a copy of
// every record after it changes; it runs on the caller's goroutine and must
// not block.
func NewTracker(opts Options, onChange func(Record)) *Tracker {
	return &Tracker{opts: opts.withDefaults(), onChange: onChange, now: time.Now}
}

// Options returns the effective options.
func (t *Tracker) Options() Options { return t.opts }

// Load seeds the tracker with persisted records, replacing any in memory.
func (t *Tracker) Load(records []Record) {
	for _, r := range records {
		t.entries.Store(r.ProviderID, &entry{rec: r})
	}
}

// IsHealthy reports whether providerID may receive traffic. Providers with
// no record are healthy.
func (t *Tracker) IsHealthy(providerID string) bool {
	return t.State(providerID) != StateUnhealthy
}

// State returns the provider's state, StateNew if nothing was observed.
func (t *Tracker) State(providerID string) State {
	v, ok := t.entries.Load(providerID)
	if !ok {
		return StateNew
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.State
}

// Get returns a copy of the provider's record.
func (t *Tracker) Get(providerID string) (Record, bool) {
	v, ok := t.entries.Load(providerID)
	if !ok {
		return Record{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Snapshot returns copies of every record ordered by provider id.
func (t *Tracker) Snapshot() []Record {
	var out []Record
	t.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Forget drops the record for a deleted provider.
func (t *Tracker) Forget(providerID string) {
	t.entries.Delete(providerID)
}

// DueForProbe reports whether the prober should call providerID now.
// Unhealthy providers wait out the cool-down; all others are always due.
func (t *Tracker) DueForProbe(providerID string, now time.Time) bool {
	rec, ok := t.Get(providerID)
	if !ok || rec.State != StateUnhealthy {
		return true
	}
	return !now.Before(rec.NextProbeAt)
}

// RecordAttempt lets a Tracker act as a router.OutcomeSink.
func (t *Tracker) RecordAttempt(_ context.Context, o router.AttemptOutcome) {
	t.Observe(o)
}

type signal int

const (
	signalNone signal = iota
	signalSuccess
	signalFailure
)

// signalOf maps an outcome to its health effect. Client cancellations and
// request-specific refusals say nothing about the provider; refused
// credentials do.
func signalOf(o router.AttemptOutcome) signal {
	if o.Success {
		return signalSuccess
	}
	switch o.Class {
	case provider.ClassCanceled, provider.ClassOK:
		return signalNone
	case provider.ClassUpstreamRejected:
		if o.StatusCode == http.StatusUnauthorized || o.StatusCode == http.StatusForbidden {
			return signalFailure
		}
		return signalNone
	default:
		return signalFailure
	}
}

// Observe applies one outcome and reports whether the record changed.
func (t *Tracker) Observe(o router.AttemptOutcome) bool {
	sig := signalOf(o)
	if sig == signalNone || o.ProviderID == "" {
		return false
	}

	v, _ := t.entries.LoadOrStore(o.ProviderID, &entry{rec: Record{
		ProviderID:  o.ProviderID,
		State:       StateNew,
		SuccessRate: 1,
	}})
	e := v.(*entry)

	e.mu.Lock()
	rec := &e.rec
	now := o.At
	if now.IsZero() {
		now = t.now()
	}
	// Last write wins: an outcome older than the record's last check still
	// counts toward the streaks but does not move timestamps backwards.
	if now.After(rec.LastCheck) {
		rec.LastCheck = now
		rec.ResponseTimeMs = o.LatencyMs()
		rec.LastStatusCode = o.StatusCode
	}
	rec.TotalChecks++

	a := t.opts.Alpha
	if sig == signalSuccess {
		rec.ConsecutiveSuccesses++
		rec.ConsecutiveFailures = 0
		rec.SuccessRate = rec.SuccessRate*(1-a) + a
		rec.ErrorMessage = ""
		if now.After(rec.LastSuccessAt) {
			rec.LastSuccessAt = now
		}
		switch rec.State {
		case StateNew:
			rec.State = StateHealthy
		case StateUnhealthy:
			if rec.ConsecutiveSuccesses >= t.opts.RecoveryThreshold {
				rec.State = StateHealthy
				rec.NextProbeAt = time.Time{}
			} else {
				// Keep probing every interval until the streak completes.
				rec.NextProbeAt = now
			}
		}
	} else {
		rec.ConsecutiveFailures++
		rec.ConsecutiveSuccesses = 0
		rec.SuccessRate = rec.SuccessRate * (1 - a)
		rec.ErrorMessage = o.Error
		switch rec.State {
		case StateNew, StateHealthy:
			if rec.ConsecutiveFailures >= t.opts.FailureThreshold {
				rec.State = StateUnhealthy
				rec.NextProbeAt = now.Add(t.opts.Cooldown)
			} else if rec.State == StateNew {
				rec.State = StateHealthy
			}
		case StateUnhealthy:
			rec.NextProbeAt = now.Add(t.opts.Cooldown)
		}
	}
	snapshot := *rec
	e.mu.Unlock()

	if t.onChange != nil {
		t.onChange(snapshot)
	}
	return true
}
