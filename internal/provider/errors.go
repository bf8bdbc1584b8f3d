package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Class is the outcome classification of one upstream call.
type Class string

const (
	ClassOK               Class = "ok"
	ClassUpstreamError    Class = "upstream_error"    // 5xx, 429, malformed upstream payloads
	ClassUpstreamRejected Class = "upstream_rejected" // 4xx: this binding cannot serve the request
	ClassTimeout          Class = "timeout"
	ClassTransport        Class = "transport_error"
	ClassCanceled         Class = "canceled" // the caller went away
)

// Error is the classified error every adapter returns for a failed call.
type Error struct {
	Class      Class
	StatusCode int
	Provider   string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Provider != "" {
		fmt.Fprintf(&b, " from %s", e.Provider)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any error returned by an adapter (or the transport beneath
// it) to a Class. A nil error is ClassOK.
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return classifyTransport(err)
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

// Retryable reports whether the orchestrator should move on to another
// candidate after err. Only caller cancellation stops the loop.
func Retryable(err error) bool {
	return Classify(err) != ClassCanceled
}

func classifyTransport(err error) Class {
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	return ClassTransport
}

// classifyStatus maps a non-2xx HTTP status to a Class.
func classifyStatus(code int) Class {
	switch {
	case code >= 200 && code < 300:
		return ClassOK
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return ClassTimeout
	case code == http.StatusTooManyRequests:
		return ClassUpstreamError
	case code >= 400 && code < 500:
		return ClassUpstreamRejected
	default:
		return ClassUpstreamError
	}
}

// transportError wraps a failed round trip.
func transportError(providerID string, err error) *Error {
	return &Error{Class: classifyTransport(err), Provider: providerID, Err: err}
}

// statusError builds an Error from a non-2xx upstream response body. The
// {"error":{"message"}} envelope shared by OpenAI, Anthropic and Gemini is
// understood; anything else is truncated verbatim.
func statusError(providerID string, code int, body []byte) *Error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256] + "..."
		}
	}
	return &Error{
		Class:      classifyStatus(code),
		StatusCode: code,
		Provider:   providerID,
		Message:    msg,
	}
}
