package store

// SQL schema constants. The DDL is portable between SQLite and PostgreSQL:
// booleans are INTEGER 0/1, timestamps are fixed-width UTC TEXT, ids are TEXT.

const schemaProviders = `
CREATE TABLE IF NOT EXISTS providers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    base_url TEXT NOT NULL DEFAULT '',
    key_ref TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    weight INTEGER NOT NULL DEFAULT 100,
    enabled INTEGER NOT NULL DEFAULT 1,
    max_retries INTEGER NOT NULL DEFAULT 0,
    timeout_ms INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);
`

const schemaModels = `
CREATE TABLE IF NOT EXISTS models (
    name TEXT PRIMARY KEY,
    remark TEXT NOT NULL DEFAULT '',
    max_retry INTEGER NOT NULL DEFAULT 0,
    timeout_ms INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL
);
`

const schemaModelProviders = `
CREATE TABLE IF NOT EXISTS model_providers (
    id TEXT PRIMARY KEY,
    model_name TEXT NOT NULL REFERENCES models(name) ON DELETE CASCADE,
    provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
    provider_model TEXT NOT NULL,
    weight INTEGER NOT NULL DEFAULT 1,
    tool_call INTEGER NOT NULL DEFAULT 0,
    structured_output INTEGER NOT NULL DEFAULT 0,
    image_input INTEGER NOT NULL DEFAULT 0,
    enabled INTEGER NOT NULL DEFAULT 1,
    UNIQUE (model_name, provider_id, provider_model)
);
CREATE INDEX IF NOT EXISTS idx_model_providers_model ON model_providers(model_name);
`

const schemaProviderHealth = `
CREATE TABLE IF NOT EXISTS provider_health (
    provider_id TEXT PRIMARY KEY REFERENCES providers(id) ON DELETE CASCADE,
    state TEXT NOT NULL DEFAULT 'new',
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    consecutive_successes INTEGER NOT NULL DEFAULT 0,
    success_rate DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    response_time_ms INTEGER NOT NULL DEFAULT 0,
    total_checks INTEGER NOT NULL DEFAULT 0,
    last_status_code INTEGER NOT NULL DEFAULT 0,
    last_check TEXT NOT NULL DEFAULT '',
    last_success_at TEXT NOT NULL DEFAULT '',
    next_probe_at TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT ''
);
`

const schemaRequestLogs = `
CREATE TABLE IF NOT EXISTS request_logs (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'request',
    model TEXT NOT NULL DEFAULT '',
    provider_id TEXT NOT NULL,
    binding_id TEXT NOT NULL DEFAULT '',
    provider_model TEXT NOT NULL DEFAULT '',
    attempt INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 0,
    status_class TEXT NOT NULL DEFAULT '',
    status_code INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    first_chunk_ms INTEGER NOT NULL DEFAULT 0,
    chunks INTEGER NOT NULL DEFAULT 0,
    prompt_tokens INTEGER,
    completion_tokens INTEGER,
    total_tokens INTEGER,
    estimated_prompt_tokens INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_request_logs_provider ON request_logs(provider_id);
CREATE INDEX IF NOT EXISTS idx_request_logs_request ON request_logs(request_id);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// allSchemas lists every DDL block applied by the initial migration.
var allSchemas = []string{
	schemaProviders,
	schemaModels,
	schemaModelProviders,
	schemaProviderHealth,
	schemaRequestLogs,
}
