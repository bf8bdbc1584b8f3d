package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HealthRecord is the persisted health of one provider.
type HealthRecord struct {
	ProviderID           string
	State                string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	SuccessRate          float64
	ResponseTimeMs       int64
	TotalChecks          int64
	LastStatusCode       int
	LastCheck            time.Time
	LastSuccessAt        time.Time
	NextProbeAt          time.Time
	ErrorMessage         string
}

const healthColumns = `provider_id, state, consecutive_failures, consecutive_successes, success_rate,
	response_time_ms, total_checks, last_status_code, last_check, last_success_at, next_probe_at, error_message`

func scanHealth(row scanner) (*HealthRecord, error) {
	var (
		h                                 HealthRecord
		lastCheck, lastSuccess, nextProbe string
	)
	err := row.Scan(&h.ProviderID, &h.State, &h.ConsecutiveFailures, &h.ConsecutiveSuccesses, &h.SuccessRate,
		&h.ResponseTimeMs, &h.TotalChecks, &h.LastStatusCode, &lastCheck, &lastSuccess, &nextProbe, &h.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if h.LastCheck, err = parseTime(lastCheck); err != nil {
		return nil, fmt.Errorf("last_check: %w", err)
	}
	if h.LastSuccessAt, err = parseTime(lastSuccess); err != nil {
		return nil, fmt.Errorf("last_success_at: %w", err)
	}
	if h.NextProbeAt, err = parseTime(nextProbe); err != nil {
		return nil, fmt.Errorf("next_probe_at: %w", err)
	}
	return &h, nil
}

// GetHealthRecord returns nil, nil when the provider has no record.
func (s *Store) GetHealthRecord(ctx context.Context, providerID string) (*HealthRecord, error) {
	h, err := scanHealth(s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+healthColumns+` FROM provider_health WHERE provider_id = ?`), providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get health %s: %w", providerID, err)
	}
	return h, nil
}

// ListHealthRecords returns every record ordered by provider id.
func (s *Store) ListHealthRecords(ctx context.Context) ([]*HealthRecord, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT `+healthColumns+` FROM provider_health ORDER BY provider_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list health: %w", err)
	}
	defer rows.Close()

	var out []*HealthRecord
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan health row: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list health iteration: %w", err)
	}
	return out, nil
}

// UpsertHealthRecord writes h unless the stored record has a later
// last_check. Concurrent writers therefore converge on the newest state.
// It reports whether the row was written.
func (s *Store) UpsertHealthRecord(ctx context.Context, h *HealthRecord) (bool, error) {
	res, err := s.writer.ExecContext(ctx, s.rebind(`
		INSERT INTO provider_health (`+healthColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_id) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			consecutive_successes = excluded.consecutive_successes,
			success_rate = excluded.success_rate,
			response_time_ms = excluded.response_time_ms,
			total_checks = excluded.total_checks,
			last_status_code = excluded.last_status_code,
			last_check = excluded.last_check,
			last_success_at = excluded.last_success_at,
			next_probe_at = excluded.next_probe_at,
			error_message = excluded.error_message
		WHERE provider_health.last_check <= excluded.last_check`),
		h.ProviderID, h.State, h.ConsecutiveFailures, h.ConsecutiveSuccesses, h.SuccessRate,
		h.ResponseTimeMs, h.TotalChecks, h.LastStatusCode, formatTime(h.LastCheck),
		formatTime(h.LastSuccessAt), formatTime(h.NextProbeAt), h.ErrorMessage,
	)
	if err != nil {
		return false, fmt.Errorf("store: upsert health %s: %w", h.ProviderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: upsert health rows affected: %w", err)
	}
	return n > 0, nil
}
