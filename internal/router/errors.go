package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/registry"
)

var (
	// ErrNoEligibleProvider matches any *NoEligibleProviderError.
	ErrNoEligibleProvider = errors.New("no eligible provider")
	// ErrAllCandidatesFailed matches any *AllCandidatesFailedError.
	ErrAllCandidatesFailed = errors.New("all candidates failed")
	// ErrPartialStream matches any *PartialStreamError.
	ErrPartialStream = errors.New("stream failed after first chunk")
)

// NoEligibleProviderError is returned before any adapter is called when the
// candidate set for a model is empty. Reason says why, so an operator can
// tell a configuration gap from an outage.
type NoEligibleProviderError struct {
	Model  string
	Reason string
}

func (e *NoEligibleProviderError) Error() string {
	return fmt.Sprintf("no eligible provider for model %q: %s", e.Model, e.Reason)
}

func (e *NoEligibleProviderError) Is(target error) bool { return target == ErrNoEligibleProvider }

// AttemptError is the last error observed for one tried candidate.
type AttemptError struct {
	Attempt       int            `json:"attempt"`
	ProviderID    string         `json:"provider"`
	ProviderModel string         `json:"provider_model"`
	Class         provider.Class `json:"class"`
	StatusCode    int            `json:"status_code,omitempty"`
	Err           error          `json:"-"`
}

func (e AttemptError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.ProviderID, e.ProviderModel, e.Err)
}

func (e AttemptError) Unwrap() error { return e.Err }

// AllCandidatesFailedError is returned when the attempt budget or the
// candidate set ran out without a success.
type AllCandidatesFailedError struct {
	Model    string
	Attempts []AttemptError
}

func (e *AllCandidatesFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all candidates failed for model %q after %d attempt(s)", e.Model, len(e.Attempts))
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(a.Error())
	}
	return b.String()
}

func (e *AllCandidatesFailedError) Is(target error) bool { return target == ErrAllCandidatesFailed }

func (e *AllCandidatesFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}

// AllRejected reports whether every attempt was refused by its upstream as
// a bad request, which usually means the client request itself is at fault.
func (e *AllCandidatesFailedError) AllRejected() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if a.Class != provider.ClassUpstreamRejected {
			return false
		}
	}
	return true
}

// PartialStreamError is returned by a Stream whose source failed after at
// least one chunk had been handed to the caller. Nothing can be retried.
type PartialStreamError struct {
	ProviderID string
	Chunks     int
	Err        error
}

func (e *PartialStreamError) Error() string {
	return fmt.Sprintf("stream from %s failed after %d chunk(s): %v", e.ProviderID, e.Chunks, e.Err)
}

func (e *PartialStreamError) Is(target error) bool { return target == ErrPartialStream }

func (e *PartialStreamError) Unwrap() error { return e.Err }

// IsUpstreamRejected reports whether err is a 4xx-class refusal.
func IsUpstreamRejected(err error) bool {
	return provider.Classify(err) == provider.ClassUpstreamRejected
}

// IsTransportOrTimeout reports whether err is a connection failure or timeout.
func IsTransportOrTimeout(err error) bool {
	c := provider.Classify(err)
	return c == provider.ClassTransport || c == provider.ClassTimeout
}

func attemptError(attempt int, c registry.Candidate, err error) AttemptError {
	return AttemptError{
		Attempt:       attempt,
		ProviderID:    c.Provider.ID,
		ProviderModel: c.Binding.ProviderModel,
		Class:         provider.Classify(err),
		StatusCode:    provider.StatusCode(err),
		Err:           err,
	}
}
