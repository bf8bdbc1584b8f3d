package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/allaspectsdev/llmrelay/internal/registry"
)

const candidateColumns = `
	p.id, p.name, p.type, p.base_url, p.key_ref, p.priority, p.weight, p.enabled, p.max_retries, p.timeout_ms,
	m.name, m.remark, m.max_retry, m.timeout_ms, m.enabled,
	mp.id, mp.provider_id, mp.model_name, mp.provider_model, mp.weight,
	mp.tool_call, mp.structured_output, mp.image_input, mp.enabled`

// ListEnabledProvidersForModel returns every binding of model whose
// provider, canonical model and binding are all enabled. The model filter
// sits on the canonical model row so that a binding is only ever returned
// for the model it was declared under.
func (s *Store) ListEnabledProvidersForModel(ctx context.Context, model string) ([]registry.Candidate, error) {
	rows, err := s.reader.QueryContext(ctx, s.rebind(`
		SELECT`+candidateColumns+`
		FROM model_providers mp
		JOIN models m ON m.name = mp.model_name
		JOIN providers p ON p.id = mp.provider_id
		WHERE m.name = ?
		  AND m.enabled = 1
		  AND p.enabled = 1
		  AND mp.enabled = 1
		ORDER BY p.priority, mp.id`), model)
	if err != nil {
		return nil, fmt.Errorf("store: list providers for model %s: %w", model, err)
	}
	defer rows.Close()

	var out []registry.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan candidate row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list providers for model iteration: %w", err)
	}
	return out, nil
}

// ListBindings returns every binding regardless of enabled flags.
func (s *Store) ListBindings(ctx context.Context) ([]registry.Candidate, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT`+candidateColumns+`
		FROM model_providers mp
		JOIN models m ON m.name = mp.model_name
		JOIN providers p ON p.id = mp.provider_id
		ORDER BY m.name, p.priority, mp.id`)
	if err != nil {
		return nil, fmt.Errorf("store: list bindings: %w", err)
	}
	defer rows.Close()

	var out []registry.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan binding row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list bindings iteration: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row scanner) (registry.Candidate, error) {
	var (
		c                            registry.Candidate
		pEnabled, mEnabled, bEnabled int
		tool, structured, image      int
		pTimeoutMs, mTimeoutMs       int64
	)
	err := row.Scan(
		&c.Provider.ID, &c.Provider.Name, &c.Provider.Type, &c.Provider.BaseURL, &c.Provider.KeyRef,
		&c.Provider.Priority, &c.Provider.Weight, &pEnabled, &c.Provider.MaxRetries, &pTimeoutMs,
		&c.Model.Name, &c.Model.Remark, &c.Model.MaxRetry, &mTimeoutMs, &mEnabled,
		&c.Binding.ID, &c.Binding.ProviderID, &c.Binding.ModelName, &c.Binding.ProviderModel, &c.Binding.Weight,
		&tool, &structured, &image, &bEnabled,
	)
	if err != nil {
		return c, err
	}
	c.Provider.Enabled = pEnabled != 0
	c.Provider.Timeout = time.Duration(pTimeoutMs) * time.Millisecond
	c.Model.Enabled = mEnabled != 0
	c.Model.Timeout = time.Duration(mTimeoutMs) * time.Millisecond
	c.Binding.Enabled = bEnabled != 0
	c.Binding.Capabilities = registry.Capabilities{
		ToolCall:         tool != 0,
		StructuredOutput: structured != 0,
		ImageInput:       image != 0,
	}
	return c, nil
}

const providerColumns = `id, name, type, base_url, key_ref, priority, weight, enabled, max_retries, timeout_ms`

func scanProvider(row scanner) (registry.Provider, error) {
	var (
		p         registry.Provider
		enabled   int
		timeoutMs int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.BaseURL, &p.KeyRef, &p.Priority, &p.Weight, &enabled, &p.MaxRetries, &timeoutMs)
	p.Enabled = enabled != 0
	p.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return p, err
}

// GetProvider returns registry.ErrProviderNotFound for an unknown id.
func (s *Store) GetProvider(ctx context.Context, id string) (*registry.Provider, error) {
	p, err := scanProvider(s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+providerColumns+` FROM providers WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get provider %s: %w", id, err)
	}
	return &p, nil
}

// ListProviders returns every provider ordered by priority then id.
func (s *Store) ListProviders(ctx context.Context) ([]registry.Provider, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	var out []registry.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan provider row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list providers iteration: %w", err)
	}
	return out, nil
}

const modelColumns = `name, remark, max_retry, timeout_ms, enabled`

func scanModel(row scanner) (registry.CanonicalModel, error) {
	var (
		m         registry.CanonicalModel
		enabled   int
		timeoutMs int64
	)
	err := row.Scan(&m.Name, &m.Remark, &m.MaxRetry, &timeoutMs, &enabled)
	m.Enabled = enabled != 0
	m.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return m, err
}

// GetCanonicalModel returns registry.ErrModelNotFound for an unknown name.
func (s *Store) GetCanonicalModel(ctx context.Context, name string) (*registry.CanonicalModel, error) {
	m, err := scanModel(s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+modelColumns+` FROM models WHERE name = ?`), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get model %s: %w", name, err)
	}
	return &m, nil
}

// ListModels returns every canonical model ordered by name.
func (s *Store) ListModels(ctx context.Context) ([]registry.CanonicalModel, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT `+modelColumns+` FROM models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list models: %w", err)
	}
	defer rows.Close()

	var out []registry.CanonicalModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan model row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list models iteration: %w", err)
	}
	return out, nil
}

// Snapshot is the full registry content as declared in configuration.
type Snapshot struct {
	Providers []registry.Provider
	Models    []registry.CanonicalModel
	Bindings  []registry.Binding
}

// SyncResult counts what SyncRegistry changed.
type SyncResult struct {
	Providers        int
	Models           int
	Bindings         int
	RemovedProviders []string
	RemovedModels    []string
	RemovedBindings  int
}

// SyncRegistry makes the stored registry equal to snap in one transaction:
// rows in snap are upserted and rows missing from it are deleted. Health
// records of removed providers go with them.
func (s *Store) SyncRegistry(ctx context.Context, snap Snapshot) (*SyncResult, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: sync registry begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := formatTime(time.Now())
	res := &SyncResult{}

	for _, p := range snap.Providers {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO providers (id, name, type, base_url, key_ref, priority, weight, enabled, max_retries, timeout_ms, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name, type = excluded.type, base_url = excluded.base_url,
				key_ref = excluded.key_ref, priority = excluded.priority, weight = excluded.weight,
				enabled = excluded.enabled, max_retries = excluded.max_retries,
				timeout_ms = excluded.timeout_ms, updated_at = excluded.updated_at`),
			p.ID, p.Name, p.Type, p.BaseURL, p.KeyRef, p.Priority, p.Weight, boolInt(p.Enabled),
			p.MaxRetries, p.Timeout.Milliseconds(), now,
		)
		if err != nil {
			return nil, fmt.Errorf("store: upsert provider %s: %w", p.ID, err)
		}
		res.Providers++
	}

	for _, m := range snap.Models {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO models (name, remark, max_retry, timeout_ms, enabled, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				remark = excluded.remark, max_retry = excluded.max_retry,
				timeout_ms = excluded.timeout_ms, enabled = excluded.enabled,
				updated_at = excluded.updated_at`),
			m.Name, m.Remark, m.MaxRetry, m.Timeout.Milliseconds(), boolInt(m.Enabled), now,
		)
		if err != nil {
			return nil, fmt.Errorf("store: upsert model %s: %w", m.Name, err)
		}
		res.Models++
	}

	// Bindings are replaced wholesale: their ids are derived from config.
	n, err := execCount(ctx, tx, "DELETE FROM model_providers")
	if err != nil {
		return nil, fmt.Errorf("store: clear bindings: %w", err)
	}
	for _, b := range snap.Bindings {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO model_providers (id, model_name, provider_id, provider_model, weight,
				tool_call, structured_output, image_input, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			b.ID, b.ModelName, b.ProviderID, b.ProviderModel, b.Weight,
			boolInt(b.Capabilities.ToolCall), boolInt(b.Capabilities.StructuredOutput),
			boolInt(b.Capabilities.ImageInput), boolInt(b.Enabled),
		)
		if err != nil {
			return nil, fmt.Errorf("store: insert binding %s: %w", b.ID, err)
		}
		res.Bindings++
	}
	if removed := int(n) - len(snap.Bindings); removed > 0 {
		res.RemovedBindings = removed
	}

	keepProviders := make(map[string]bool, len(snap.Providers))
	for _, p := range snap.Providers {
		keepProviders[p.ID] = true
	}
	stale, err := staleKeys(ctx, tx, "SELECT id FROM providers", keepProviders)
	if err != nil {
		return nil, fmt.Errorf("store: find stale providers: %w", err)
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM provider_health WHERE provider_id = ?"), id); err != nil {
			return nil, fmt.Errorf("store: delete health %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM providers WHERE id = ?"), id); err != nil {
			return nil, fmt.Errorf("store: delete provider %s: %w", id, err)
		}
	}
	res.RemovedProviders = stale

	keepModels := make(map[string]bool, len(snap.Models))
	for _, m := range snap.Models {
		keepModels[m.Name] = true
	}
	stale, err = staleKeys(ctx, tx, "SELECT name FROM models", keepModels)
	if err != nil {
		return nil, fmt.Errorf("store: find stale models: %w", err)
	}
	for _, name := range stale {
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM models WHERE name = ?"), name); err != nil {
			return nil, fmt.Errorf("store: delete model %s: %w", name, err)
		}
	}
	res.RemovedModels = stale

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: sync registry commit: %w", err)
	}
	return res, nil
}

func execCount(ctx context.Context, tx *sql.Tx, q string) (int64, error) {
	r, err := tx.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}

func staleKeys(ctx context.Context, tx *sql.Tx, q string, keep map[string]bool) ([]string, error) {
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		if !keep[k] {
			stale = append(stale, k)
		}
	}
	return stale, rows.Err()
}
