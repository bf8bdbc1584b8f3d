package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := ExampleConfig()
	cfg.Server.DataDir = "/tmp/test"
	return cfg
}

func intPtr(i int) *int { return &i }

func TestValidate_ValidConfig(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("validate valid config: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }, "log_level"},
		{"empty data dir", func(c *Config) { c.Server.DataDir = "" }, "data_dir"},
		{"tls without cert", func(c *Config) { c.Server.TLSEnabled = true }, "cert_file"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"negative rate limit", func(c *Config) { c.Auth.RateLimit = -1 }, "auth.rate_limit"},
		{"rate limit without burst", func(c *Config) { c.Auth.RateLimit = 5; c.Auth.RateBurst = 0 }, "auth.rate_burst"},
		{"unknown weight mode", func(c *Config) { c.Routing.WeightMode = "max" }, "routing.weight_mode"},
		{"zero max retry", func(c *Config) { c.Routing.DefaultMaxRetry = 0 }, "default_max_retry"},
		{"max delay below base", func(c *Config) { c.Routing.RetryMaxDelayMs = 10 }, "retry_max_delay_ms"},
		{"zero failure threshold", func(c *Config) { c.Health.FailureThreshold = 0 }, "failure_threshold"},
		{"zero recovery threshold", func(c *Config) { c.Health.RecoveryThreshold = 0 }, "recovery_threshold"},
		{"alpha above one", func(c *Config) { c.Health.SuccessRateAlpha = 1.5 }, "success_rate_alpha"},
		{"zero queue", func(c *Config) { c.Health.QueueSize = 0 }, "queue_size"},
		{"empty provider id", func(c *Config) { c.Providers[0].ID = "" }, "providers[0].id"},
		{"duplicate provider", func(c *Config) { c.Providers[1].ID = "openai"; c.Providers[1].Type = "openai" }, "declared more than once"},
		{"unknown provider type", func(c *Config) { c.Providers[0].Type = "bedrock" }, "providers.openai.type"},
		{"missing base url", func(c *Config) { c.Providers[0].BaseURL = "" }, "base_url"},
		{"negative provider weight", func(c *Config) { c.Providers[0].Weight = intPtr(-1) }, "providers.openai.weight"},
		{"empty model name", func(c *Config) { c.Models[0].Name = "" }, "models[0].name"},
		{"unknown bound provider", func(c *Config) { c.Models[0].Bindings[0].Provider = "ghost" }, "unknown provider \"ghost\""},
		{"provider bound twice", func(c *Config) { c.Models[0].Bindings[1].Provider = "openai" }, "more than once"},
		{"negative binding weight", func(c *Config) { c.Models[0].Bindings[0].Weight = intPtr(-2) }, "weight must be non-negative"},
		{"bad tracing exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "tracing.exporter"},
		{"bad sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
		{"zero retention", func(c *Config) { c.Metrics.RetentionDays = 0 }, "retention_days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_ZeroWeightsAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Providers[0].Weight = intPtr(0)
	cfg.Models[0].Bindings[0].Weight = intPtr(0)
	if err := validate(cfg); err != nil {
		t.Fatalf("zero weights are valid: %v", err)
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Server.LogLevel = "loud"
	cfg.Health.FailureThreshold = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server.port", "log_level", "failure_threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q: %v", want, err)
		}
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("isValidEnum should be case-insensitive")
	}
	if isValidEnum("verbose", ValidLogLevels) {
		t.Error("verbose is not a valid log level")
	}
}
