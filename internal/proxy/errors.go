package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/llmrelay/internal/metrics"
	"github.com/allaspectsdev/llmrelay/internal/router"
)

// OpenAI-style error types.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuth           = "authentication_error"
	errTypeNoProvider     = "no_eligible_provider"
	errTypeUpstream       = "upstream_error"
	errTypeInternal       = "internal_error"
	errTypeNotFound       = "not_found_error"
	errTypeRateLimit      = "rate_limit_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message  string                `json:"message"`
	Type     string                `json:"type"`
	Fields   map[string]string     `json:"fields,omitempty"`
	Attempts []router.AttemptError `json:"attempts,omitempty"`
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message, errType string) {
	writeJSON(w, statusCode, errorBody{Error: errorDetail{Message: message, Type: errType}})
}

// writeRouteError maps a routing failure to a status code and body and
// returns the metrics result label for it. Nothing is written when the
// client has already gone away.
func writeRouteError(w http.ResponseWriter, logger zerolog.Logger, err error) string {
	var (
		noEligible *router.NoEligibleProviderError
		allFailed  *router.AllCandidatesFailedError
		reqErr     *RequestError
	)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Debug().Err(err).Msg("client went away before a response")
		return metrics.ResultCanceled

	case errors.As(err, &reqErr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Message: reqErr.Message,
			Type:    errTypeInvalidRequest,
			Fields:  reqErr.Fields,
		}})
		return metrics.ResultBadRequest

	case errors.As(err, &noEligible):
		logger.Warn().Str("model", noEligible.Model).Str("reason", noEligible.Reason).Msg("no eligible provider")
		writeJSONError(w, http.StatusServiceUnavailable, noEligible.Error(), errTypeNoProvider)
		return metrics.ResultNoEligible

	case errors.As(err, &allFailed):
		status := http.StatusBadGateway
		errType := errTypeUpstream
		if allFailed.AllRejected() {
			// Every upstream refused the request itself; pass the refusal on.
			status = rejectedStatus(allFailed)
			errType = errTypeInvalidRequest
		}
		logger.Warn().
			Str("model", allFailed.Model).
			Int("attempts", len(allFailed.Attempts)).
			Int("status", status).
			Msg("all candidates failed")
		writeJSON(w, status, errorBody{Error: errorDetail{
			Message:  allFailed.Error(),
			Type:     errType,
			Attempts: allFailed.Attempts,
		}})
		return metrics.ResultAllFailed
	}

	logger.Error().Err(err).Msg("routing failed")
	writeJSONError(w, http.StatusInternalServerError, "internal server error", errTypeInternal)
	return metrics.ResultInternalErr
}

// rejectedStatus is the upstream status of the last rejected attempt,
// falling back to 400 when none was recorded.
func rejectedStatus(e *router.AllCandidatesFailedError) int {
	for i := len(e.Attempts) - 1; i >= 0; i-- {
		if c := e.Attempts[i].StatusCode; c >= 400 && c < 500 {
			return c
		}
	}
	return http.StatusBadRequest
}
