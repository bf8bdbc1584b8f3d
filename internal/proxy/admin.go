package proxy

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/metrics"
	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/router"
	"github.com/allaspectsdev/llmrelay/internal/store"
)

// statsWindow is how far back /admin/stats aggregates stored attempts.
const statsWindow = 24 * time.Hour

type providerStatus struct {
	registry.Provider
	Health *health.Record `json:"health,omitempty"`
}

// HandleAdminProviders lists every provider with its current health.
func (h *Handler) HandleAdminProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.registry.ListProviders(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("listing providers")
		writeJSONError(w, http.StatusInternalServerError, "failed to list providers", errTypeInternal)
		return
	}

	out := make([]providerStatus, 0, len(providers))
	for _, p := range providers {
		ps := providerStatus{Provider: p}
		if h.health != nil {
			if rec, ok := h.health.Get(p.ID); ok {
				ps.Health = &rec
			}
		}
		out = append(out, ps)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// HandleAdminAttempts lists recent attempts, newest first.
func (h *Handler) HandleAdminAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	attempts, err := h.store.ListAttempts(r.Context(), store.AttemptFilter{
		ProviderID: q.Get("provider"),
		RequestID:  q.Get("request_id"),
		Limit:      queryInt(r, "limit", 0),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("listing attempts")
		writeJSONError(w, http.StatusInternalServerError, "failed to list attempts", errTypeInternal)
		return
	}

	type attemptEntry struct {
		ID            string    `json:"id"`
		RequestID     string    `json:"request_id"`
		Timestamp     time.Time `json:"timestamp"`
		Kind          string    `json:"kind"`
		Model         string    `json:"model,omitempty"`
		ProviderID    string    `json:"provider_id"`
		ProviderModel string    `json:"provider_model,omitempty"`
		Attempt       int       `json:"attempt"`
		Success       bool      `json:"success"`
		Class         string    `json:"class"`
		StatusCode    int       `json:"status_code,omitempty"`
		LatencyMs     int64     `json:"latency_ms"`
		FirstChunkMs  int64     `json:"first_chunk_ms,omitempty"`
		TotalTokens   *int64    `json:"total_tokens,omitempty"`
		Estimated     int64     `json:"estimated_prompt_tokens,omitempty"`
		Error         string    `json:"error,omitempty"`
	}
	out := make([]attemptEntry, 0, len(attempts))
	for _, a := range attempts {
		e := attemptEntry{
			ID:            a.ID,
			RequestID:     a.RequestID,
			Timestamp:     a.Timestamp,
			Kind:          a.Kind,
			Model:         a.Model,
			ProviderID:    a.ProviderID,
			ProviderModel: a.ProviderModel,
			Attempt:       a.Attempt,
			Success:       a.Success,
			Class:         a.StatusClass,
			StatusCode:    a.StatusCode,
			LatencyMs:     a.LatencyMs,
			FirstChunkMs:  a.FirstChunkMs,
			Estimated:     a.EstimatedPromptTokens,
			Error:         a.ErrorMessage,
		}
		if a.TotalTokens.Valid {
			total := a.TotalTokens.Int64
			e.TotalTokens = &total
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": out})
}

// HandleAdminStats combines the in-memory counters with stored aggregates
// for the last day.
func (h *Handler) HandleAdminStats(w http.ResponseWriter, r *http.Request) {
	stored, err := h.store.AttemptStats(r.Context(), time.Now().Add(-statsWindow))
	if err != nil {
		h.logger.Error().Err(err).Msg("computing attempt stats")
		writeJSONError(w, http.StatusInternalServerError, "failed to compute stats", errTypeInternal)
		return
	}

	var live *metrics.Stats
	if h.collector != nil {
		live = h.collector.Stats()
	}
	var unhealthy []string
	if h.health != nil {
		for _, rec := range h.health.Snapshot() {
			if !rec.Healthy() {
				unhealthy = append(unhealthy, rec.ProviderID)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"live":      live,
		"last_24h":  stored,
		"unhealthy": unhealthy,
	})
}

// HandleAdminProbe runs a health probe against one provider now.
func (h *Handler) HandleAdminProbe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.prober == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "probing is disabled", errTypeInternal)
		return
	}

	o, err := h.prober.ProbeProvider(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrProviderNotFound) {
			writeJSONError(w, http.StatusNotFound, "provider "+strconv.Quote(id)+" not found", errTypeNotFound)
			return
		}
		h.logger.Warn().Err(err).Str("provider", id).Msg("probe failed to run")
		writeJSONError(w, http.StatusBadGateway, err.Error(), errTypeUpstream)
		return
	}

	resp := probeResponse(o)
	if h.health != nil {
		if rec, ok := h.health.Get(id); ok {
			resp.Health = &rec
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAdminProviderModels asks a provider which models it serves.
func (h *Handler) HandleAdminProviderModels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.adapters == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "model listing is disabled", errTypeInternal)
		return
	}

	p, err := h.registry.GetProvider(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrProviderNotFound) {
			writeJSONError(w, http.StatusNotFound, "provider "+strconv.Quote(id)+" not found", errTypeNotFound)
			return
		}
		h.logger.Error().Err(err).Str("provider", id).Msg("loading provider")
		writeJSONError(w, http.StatusInternalServerError, "failed to load provider", errTypeInternal)
		return
	}
	adapter, err := h.adapters.Get(p.Type)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error(), errTypeInvalidRequest)
		return
	}

	models, err := adapter.ListModels(r.Context(), *p)
	if err != nil {
		h.logger.Warn().Err(err).Str("provider", id).Msg("listing upstream models")
		writeJSONError(w, http.StatusBadGateway, err.Error(), errTypeUpstream)
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id":   p.ID,
		"provider_type": p.Type,
		"models":        models,
	})
}

type probeResult struct {
	Provider   string         `json:"provider"`
	Success    bool           `json:"success"`
	Class      string         `json:"class"`
	StatusCode int            `json:"status_code,omitempty"`
	LatencyMs  int64          `json:"latency_ms"`
	Error      string         `json:"error,omitempty"`
	Health     *health.Record `json:"health,omitempty"`
}

func probeResponse(o router.AttemptOutcome) probeResult {
	return probeResult{
		Provider:   o.ProviderID,
		Success:    o.Success,
		Class:      string(o.Class),
		StatusCode: o.StatusCode,
		LatencyMs:  o.LatencyMs(),
		Error:      o.Error,
	}
}

// queryInt reads an integer query parameter, returning def when the
// parameter is missing or not a non-negative integer.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def
	}
	return v
}
