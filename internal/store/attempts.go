package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Attempt kinds.
const (
	KindRequest = "request"
	KindStream  = "stream"
	KindProbe   = "probe"
)

// Attempt is one persisted attempt outcome.
type Attempt struct {
	ID            string
	RequestID     string
	Timestamp     time.Time
	Kind          string
	Model         string
	ProviderID    string
	BindingID     string
	ProviderModel string
	Attempt       int
	Success       bool
	StatusClass   string
	StatusCode    int
	LatencyMs     int64
	FirstChunkMs  int64
	Chunks        int
	// Token counts are NULL when the upstream reported no usage.
	PromptTokens          sql.NullInt64
	CompletionTokens      sql.NullInt64
	TotalTokens           sql.NullInt64
	EstimatedPromptTokens int64
	ErrorMessage          string
}

// InsertAttempt stores a new attempt. The caller provides a unique ID.
func (s *Store) InsertAttempt(ctx context.Context, a *Attempt) error {
	_, err := s.writer.ExecContext(ctx, s.rebind(`
		INSERT INTO request_logs (
			id, request_id, timestamp, kind, model, provider_id, binding_id, provider_model,
			attempt, success, status_class, status_code, latency_ms, first_chunk_ms, chunks,
			prompt_tokens, completion_tokens, total_tokens, estimated_prompt_tokens, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.RequestID, formatTime(a.Timestamp), a.Kind, a.Model, a.ProviderID, a.BindingID, a.ProviderModel,
		a.Attempt, boolInt(a.Success), a.StatusClass, a.StatusCode, a.LatencyMs, a.FirstChunkMs, a.Chunks,
		a.PromptTokens, a.CompletionTokens, a.TotalTokens, a.EstimatedPromptTokens, a.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("store: insert attempt: %w", err)
	}
	return nil
}

// AttemptFilter narrows ListAttempts. Zero fields match everything.
type AttemptFilter struct {
	ProviderID string
	RequestID  string
	Limit      int
}

// ListAttempts returns attempts newest first.
func (s *Store) ListAttempts(ctx context.Context, f AttemptFilter) ([]*Attempt, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	q := `
		SELECT id, request_id, timestamp, kind, model, provider_id, binding_id, provider_model,
		       attempt, success, status_class, status_code, latency_ms, first_chunk_ms, chunks,
		       prompt_tokens, completion_tokens, total_tokens, estimated_prompt_tokens, error_message
		FROM request_logs
		WHERE (? = '' OR provider_id = ?)
		  AND (? = '' OR request_id = ?)
		ORDER BY timestamp DESC, attempt DESC
		LIMIT ?`
	rows, err := s.reader.QueryContext(ctx, s.rebind(q),
		f.ProviderID, f.ProviderID, f.RequestID, f.RequestID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("store: list attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var ts string
		var success int
		if err := rows.Scan(
			&a.ID, &a.RequestID, &ts, &a.Kind, &a.Model, &a.ProviderID, &a.BindingID, &a.ProviderModel,
			&a.Attempt, &success, &a.StatusClass, &a.StatusCode, &a.LatencyMs, &a.FirstChunkMs, &a.Chunks,
			&a.PromptTokens, &a.CompletionTokens, &a.TotalTokens, &a.EstimatedPromptTokens, &a.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("store: scan attempt row: %w", err)
		}
		a.Success = success != 0
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("store: attempt %s timestamp: %w", a.ID, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list attempts iteration: %w", err)
	}
	return out, nil
}

// ProviderStats aggregates the attempts of one provider.
type ProviderStats struct {
	ProviderID   string  `json:"provider_id"`
	Attempts     int64   `json:"attempts"`
	Successes    int64   `json:"successes"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	TotalTokens  int64   `json:"total_tokens"`
}

// AttemptStats holds aggregate statistics for attempts since a point in time.
type AttemptStats struct {
	Attempts    int64           `json:"attempts"`
	Successes   int64           `json:"successes"`
	Probes      int64           `json:"probes"`
	TotalTokens int64           `json:"total_tokens"`
	Providers   []ProviderStats `json:"providers"`
}

// AttemptStats computes aggregates for attempts whose timestamp is >= since.
func (s *Store) AttemptStats(ctx context.Context, since time.Time) (*AttemptStats, error) {
	sinceStr := formatTime(since)
	stats := &AttemptStats{}

	err := s.reader.QueryRowContext(ctx, s.rebind(`
		SELECT
			COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(CASE WHEN kind = 'probe' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM request_logs
		WHERE timestamp >= ?`), sinceStr,
	).Scan(&stats.Attempts, &stats.Successes, &stats.Probes, &stats.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("store: attempt stats: %w", err)
	}

	rows, err := s.reader.QueryContext(ctx, s.rebind(`
		SELECT provider_id, COUNT(*), COALESCE(SUM(success), 0),
		       COALESCE(AVG(latency_ms), 0), COALESCE(SUM(total_tokens), 0)
		FROM request_logs
		WHERE timestamp >= ?
		GROUP BY provider_id
		ORDER BY provider_id`), sinceStr)
	if err != nil {
		return nil, fmt.Errorf("store: provider stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ProviderStats
		if err := rows.Scan(&p.ProviderID, &p.Attempts, &p.Successes, &p.AvgLatencyMs, &p.TotalTokens); err != nil {
			return nil, fmt.Errorf("store: scan provider stats: %w", err)
		}
		stats.Providers = append(stats.Providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: provider stats iteration: %w", err)
	}
	return stats, nil
}
