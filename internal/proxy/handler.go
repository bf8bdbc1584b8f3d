package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/metrics"
	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/router"
	"github.com/allaspectsdev/llmrelay/internal/store"
)

// Response headers set on every routed request.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderProvider  = "X-LLMRelay-Provider"
	HeaderAttempts  = "X-LLMRelay-Attempts"
)

// maxRequestIDLen bounds a client-supplied request id.
const maxRequestIDLen = 128

// Router is the routing engine the handler drives.
type Router interface {
	Route(ctx context.Context, req *router.Request) (*router.Result, error)
	RouteStreaming(ctx context.Context, req *router.Request) (*router.Stream, error)
}

// Store is the slice of persistent storage the HTTP surface reads.
type Store interface {
	Ping(ctx context.Context) error
	ListModels(ctx context.Context) ([]registry.CanonicalModel, error)
	ListAttempts(ctx context.Context, f store.AttemptFilter) ([]*store.Attempt, error)
	AttemptStats(ctx context.Context, since time.Time) (*store.AttemptStats, error)
}

// Prober runs an on-demand health probe.
type Prober interface {
	ProbeProvider(ctx context.Context, providerID string) (router.AttemptOutcome, error)
}

// Deps are the collaborators of a Handler. Metrics, Prober and Adapters
// may be nil.
type Deps struct {
	Router      Router
	Registry    registry.Registry
	Store       Store
	Health      *health.Tracker
	Prober      Prober
	Adapters    router.AdapterSource
	Metrics     *metrics.Collector
	Logger      zerolog.Logger
	MaxBodySize int64
}

// Handler serves the OpenAI-compatible API and the admin API.
type Handler struct {
	router      Router
	registry    registry.Registry
	store       Store
	health      *health.Tracker
	prober      Prober
	adapters    router.AdapterSource
	collector   *metrics.Collector
	logger      zerolog.Logger
	maxBodySize int64
}

// NewHandler creates a Handler. A MaxBodySize of 0 means unlimited.
func NewHandler(d Deps) *Handler {
	return &Handler{
		router:      d.Router,
		registry:    d.Registry,
		store:       d.Store,
		health:      d.Health,
		prober:      d.Prober,
		adapters:    d.Adapters,
		collector:   d.Metrics,
		logger:      d.Logger.With().Str("component", "proxy").Logger(),
		maxBodySize: d.MaxBodySize,
	}
}

// HandleChatCompletions routes an OpenAI chat completion request, unary or
// streaming, to one of the canonical model's providers.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	w.Header().Set(HeaderRequestID, requestID)
	logger := h.logger.With().Str("request_id", requestID).Logger()

	if h.maxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", errTypeInvalidRequest)
		} else {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body", errTypeInvalidRequest)
		}
		h.recordRequest("", metrics.ResultBadRequest, 0)
		return
	}

	parsed, err := ParseChatRequest(body)
	if err != nil {
		result := writeRouteError(w, logger, err)
		h.recordRequest("", result, 0)
		return
	}

	req := &router.Request{
		ID:          requestID,
		Provider:    parsed.Provider,
		Pin:         parsed.Pin,
		MaxAttempts: parsed.MaxAttempts,
		Timeout:     parsed.Timeout,
	}
	model := parsed.Provider.Model
	logger = logger.With().Str("model", model).Bool("stream", parsed.Provider.Stream).Logger()

	if h.collector != nil {
		h.collector.IncrementActive()
		defer h.collector.DecrementActive()
	}

	if parsed.Provider.Stream {
		h.serveStream(w, r, req, logger)
		return
	}

	res, err := h.router.Route(r.Context(), req)
	if err != nil {
		result := writeRouteError(w, logger, err)
		h.recordRequest(model, result, attemptsOf(err))
		return
	}

	setRoutingHeaders(w, res.Candidate, res.Attempts)
	w.Header().Set("Content-Type", "application/json")
	status := res.Response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(res.Response.Body); err != nil {
		logger.Debug().Err(err).Msg("writing response to client")
	}
	h.recordRequest(model, metrics.ResultSuccess, res.Attempts)

	logger.Debug().
		Str("provider", res.Candidate.Provider.ID).
		Int("attempts", res.Attempts).
		Msg("request routed")
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, req *router.Request, logger zerolog.Logger) {
	model := req.Provider.Model
	stream, err := h.router.RouteStreaming(r.Context(), req)
	if err != nil {
		result := writeRouteError(w, logger, err)
		h.recordRequest(model, result, attemptsOf(err))
		return
	}

	setRoutingHeaders(w, stream.Candidate(), stream.Attempts())
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := NewSSEWriter(w)
	err = stream.Forward(r.Context(), sse)

	var partial *router.PartialStreamError
	switch {
	case err == nil:
		h.recordRequest(model, metrics.ResultSuccess, stream.Attempts())

	case errors.As(err, &partial):
		logger.Warn().
			Str("provider", partial.ProviderID).
			Int("chunks", partial.Chunks).
			Err(partial.Err).
			Msg("stream failed after first chunk")
		// Headers are gone; the only way to signal the failure is in-band.
		_ = sse.WriteEvent(&SSEEvent{Event: "error", Data: fmt.Sprintf(
			`{"error":{"message":%q,"type":%q}}`, partial.Error(), errTypeUpstream)})
		h.recordRequest(model, metrics.ResultPartial, stream.Attempts())

	default:
		logger.Debug().Err(err).Msg("client stopped reading the stream")
		h.recordRequest(model, metrics.ResultCanceled, stream.Attempts())
	}
}

// HandleModels lists the enabled canonical models in the OpenAI list format.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.store.ListModels(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("listing models")
		writeJSONError(w, http.StatusInternalServerError, "failed to list models", errTypeInternal)
		return
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
		Remark  string `json:"remark,omitempty"`
	}
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		data = append(data, modelEntry{ID: m.Name, Object: "model", OwnedBy: "llmrelay", Remark: m.Remark})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// HandleHealth is the liveness endpoint.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports ready once the store answers.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) recordRequest(model, result string, attempts int) {
	if h.collector != nil {
		h.collector.RecordRequest(model, result, attempts)
	}
}

// requestIDFrom reuses a sane client-supplied X-Request-ID or mints one.
func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" && len(id) <= maxRequestIDLen {
		return id
	}
	return uuid.NewString()
}

func setRoutingHeaders(w http.ResponseWriter, c registry.Candidate, attempts int) {
	w.Header().Set(HeaderProvider, c.Provider.ID)
	w.Header().Set(HeaderAttempts, strconv.Itoa(attempts))
}

func attemptsOf(err error) int {
	var allFailed *router.AllCandidatesFailedError
	if errors.As(err, &allFailed) {
		return len(allFailed.Attempts)
	}
	return 0
}
