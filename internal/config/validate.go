package config

import (
	"fmt"
	"strings"

	"github.com/allaspectsdev/llmrelay/internal/registry"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" {
			errs = append(errs, "server.cert_file must be set when tls_enabled is true")
		}
		if cfg.Server.KeyFile == "" {
			errs = append(errs, "server.key_file must be set when tls_enabled is true")
		}
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}

	// Store validation
	if !isValidEnum(cfg.Store.Driver, ValidStoreDrivers) {
		errs = append(errs, fmt.Sprintf("store.driver must be one of %v, got %q", ValidStoreDrivers, cfg.Store.Driver))
	}
	if strings.EqualFold(cfg.Store.Driver, "postgres") && cfg.Store.DSN == "" {
		errs = append(errs, "store.dsn must be set when store.driver is postgres")
	}

	// Auth validation
	if cfg.Auth.RateLimit < 0 {
		errs = append(errs, fmt.Sprintf("auth.rate_limit must be non-negative, got %g", cfg.Auth.RateLimit))
	}
	if cfg.Auth.RateLimit > 0 && cfg.Auth.RateBurst < 1 {
		errs = append(errs, fmt.Sprintf("auth.rate_burst must be at least 1 when rate_limit is set, got %d", cfg.Auth.RateBurst))
	}

	// Routing validation
	if _, err := registry.ParseWeightMode(cfg.Routing.WeightMode); err != nil {
		errs = append(errs, "routing.weight_mode: "+err.Error())
	}
	if cfg.Routing.DefaultMaxRetry < 1 {
		errs = append(errs, fmt.Sprintf("routing.default_max_retry must be at least 1, got %d", cfg.Routing.DefaultMaxRetry))
	}
	if cfg.Routing.DefaultTimeout < 1 {
		errs = append(errs, fmt.Sprintf("routing.default_timeout must be at least 1, got %d", cfg.Routing.DefaultTimeout))
	}
	if cfg.Routing.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("routing.retry_base_delay_ms must be non-negative, got %d", cfg.Routing.RetryBaseDelayMs))
	}
	if cfg.Routing.RetryMaxDelayMs < cfg.Routing.RetryBaseDelayMs {
		errs = append(errs, fmt.Sprintf("routing.retry_max_delay_ms must be at least retry_base_delay_ms, got %d", cfg.Routing.RetryMaxDelayMs))
	}
	if cfg.Routing.RegistryCacheTTL < 0 {
		errs = append(errs, fmt.Sprintf("routing.registry_cache_ttl must be non-negative, got %d", cfg.Routing.RegistryCacheTTL))
	}

	// Health validation
	if cfg.Health.FailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("health.failure_threshold must be at least 1, got %d", cfg.Health.FailureThreshold))
	}
	if cfg.Health.RecoveryThreshold < 1 {
		errs = append(errs, fmt.Sprintf("health.recovery_threshold must be at least 1, got %d", cfg.Health.RecoveryThreshold))
	}
	if cfg.Health.Cooldown < 0 {
		errs = append(errs, fmt.Sprintf("health.cooldown must be non-negative, got %d", cfg.Health.Cooldown))
	}
	if cfg.Health.SuccessRateAlpha <= 0 || cfg.Health.SuccessRateAlpha > 1 {
		errs = append(errs, fmt.Sprintf("health.success_rate_alpha must be in (0, 1], got %g", cfg.Health.SuccessRateAlpha))
	}
	if cfg.Health.ProbeEnabled && cfg.Health.ProbeInterval < 1 {
		errs = append(errs, fmt.Sprintf("health.probe_interval must be at least 1, got %d", cfg.Health.ProbeInterval))
	}
	if cfg.Health.ProbeTimeout < 1 {
		errs = append(errs, fmt.Sprintf("health.probe_timeout must be at least 1, got %d", cfg.Health.ProbeTimeout))
	}
	if cfg.Health.ProbeConcurrency < 1 {
		errs = append(errs, fmt.Sprintf("health.probe_concurrency must be at least 1, got %d", cfg.Health.ProbeConcurrency))
	}
	if cfg.Health.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("health.queue_size must be at least 1, got %d", cfg.Health.QueueSize))
	}

	// Provider validation
	providers := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		key := fmt.Sprintf("providers[%d]", i)
		if p.ID == "" {
			errs = append(errs, key+".id must not be empty")
			continue
		}
		key = fmt.Sprintf("providers.%s", p.ID)
		if providers[p.ID] {
			errs = append(errs, fmt.Sprintf("%s is declared more than once", key))
		}
		providers[p.ID] = true
		if !isValidEnum(p.Type, ValidProviderTypes) {
			errs = append(errs, fmt.Sprintf("%s.type must be one of %v, got %q", key, ValidProviderTypes, p.Type))
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("%s.base_url must not be empty", key))
		}
		if p.Weight != nil && *p.Weight < 0 {
			errs = append(errs, fmt.Sprintf("%s.weight must be non-negative, got %d", key, *p.Weight))
		}
		if p.MaxRetries < 0 {
			errs = append(errs, fmt.Sprintf("%s.max_retries must be non-negative, got %d", key, p.MaxRetries))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("%s.timeout must be non-negative", key))
		}
	}

	// Model validation
	models := make(map[string]bool, len(cfg.Models))
	for i, m := range cfg.Models {
		if m.Name == "" {
			errs = append(errs, fmt.Sprintf("models[%d].name must not be empty", i))
			continue
		}
		key := fmt.Sprintf("models.%s", m.Name)
		if models[m.Name] {
			errs = append(errs, fmt.Sprintf("%s is declared more than once", key))
		}
		models[m.Name] = true
		if m.MaxRetry < 0 {
			errs = append(errs, fmt.Sprintf("%s.max_retry must be non-negative, got %d", key, m.MaxRetry))
		}
		if m.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("%s.timeout must be non-negative", key))
		}
		bound := make(map[string]bool, len(m.Bindings))
		for _, b := range m.Bindings {
			switch {
			case b.Provider == "":
				errs = append(errs, fmt.Sprintf("%s.bindings: provider must not be empty", key))
			case !providers[b.Provider]:
				errs = append(errs, fmt.Sprintf("%s.bindings references unknown provider %q", key, b.Provider))
			case bound[b.Provider]:
				errs = append(errs, fmt.Sprintf("%s.bindings binds provider %q more than once", key, b.Provider))
			}
			bound[b.Provider] = true
			if b.Weight != nil && *b.Weight < 0 {
				errs = append(errs, fmt.Sprintf("%s.bindings[%s].weight must be non-negative, got %d", key, b.Provider, *b.Weight))
			}
		}
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	// Metrics validation
	if cfg.Metrics.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("metrics.retention_days must be at least 1, got %d", cfg.Metrics.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
