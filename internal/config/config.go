package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/store"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for llmrelay.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"    toml:"server"`
	Store     StoreConfig      `mapstructure:"store"     toml:"store"`
	Routing   RoutingConfig    `mapstructure:"routing"   toml:"routing"`
	Health    HealthConfig     `mapstructure:"health"    toml:"health"`
	Auth      AuthConfig       `mapstructure:"auth"      toml:"auth"`
	CORS      CORSConfig       `mapstructure:"cors"      toml:"cors"`
	Metrics   MetricsConfig    `mapstructure:"metrics"   toml:"metrics"`
	Tracing   TracingConfig    `mapstructure:"tracing"   toml:"tracing"`
	Providers []ProviderConfig `mapstructure:"providers" toml:"providers"`
	Models    []ModelConfig    `mapstructure:"models"    toml:"models"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"`
	Port         int    `mapstructure:"port"          toml:"port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"   toml:"tls_enabled"`
	CertFile     string `mapstructure:"cert_file"     toml:"cert_file"`
	KeyFile      string `mapstructure:"key_file"      toml:"key_file"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"` // seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`  // seconds
	MaxBodySize  int64  `mapstructure:"max_body_size" toml:"max_body_size"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"` // "sqlite" or "postgres"
	Path   string `mapstructure:"path"   toml:"path"`   // sqlite file; defaults to <data_dir>/llmrelay.db
	DSN    string `mapstructure:"dsn"    toml:"dsn"`
}

// RoutingConfig controls candidate selection and failover.
type RoutingConfig struct {
	WeightMode        string `mapstructure:"weight_mode"         toml:"weight_mode"`
	PriorityGating    bool   `mapstructure:"priority_gating"     toml:"priority_gating"`
	DefaultMaxRetry   int    `mapstructure:"default_max_retry"   toml:"default_max_retry"`
	DefaultTimeout    int    `mapstructure:"default_timeout"     toml:"default_timeout"` // seconds
	RetryBaseDelayMs  int    `mapstructure:"retry_base_delay_ms" toml:"retry_base_delay_ms"`
	RetryMaxDelayMs   int    `mapstructure:"retry_max_delay_ms"  toml:"retry_max_delay_ms"`
	RegistryCacheTTL  int    `mapstructure:"registry_cache_ttl"  toml:"registry_cache_ttl"` // seconds
	RegistryCacheSize int    `mapstructure:"registry_cache_size" toml:"registry_cache_size"`
}

// HealthConfig controls the health tracker, the prober and outcome persistence.
type HealthConfig struct {
	FailureThreshold  int     `mapstructure:"failure_threshold"  toml:"failure_threshold"`
	RecoveryThreshold int     `mapstructure:"recovery_threshold" toml:"recovery_threshold"`
	Cooldown          int     `mapstructure:"cooldown"           toml:"cooldown"` // seconds
	SuccessRateAlpha  float64 `mapstructure:"success_rate_alpha" toml:"success_rate_alpha"`
	ProbeEnabled      bool    `mapstructure:"probe_enabled"      toml:"probe_enabled"`
	ProbeInterval     int     `mapstructure:"probe_interval"     toml:"probe_interval"` // seconds
	ProbeTimeout      int     `mapstructure:"probe_timeout"      toml:"probe_timeout"`  // seconds
	ProbeConcurrency  int     `mapstructure:"probe_concurrency"  toml:"probe_concurrency"`
	QueueSize         int     `mapstructure:"queue_size"         toml:"queue_size"`
}

// AuthConfig holds client and admin credentials. Empty lists disable the check.
type AuthConfig struct {
	APIKeys    []string `mapstructure:"api_keys"    toml:"api_keys"`
	AdminToken string   `mapstructure:"admin_token" toml:"admin_token"`
	// RateLimit is the sustained requests per second allowed per client on
	// the /v1 routes. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" toml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" toml:"rate_burst"`
}

// CORSConfig controls the CORS middleware.
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"         toml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// MetricsConfig controls the Prometheus endpoint and attempt log retention.
type MetricsConfig struct {
	Enabled       bool `mapstructure:"enabled"        toml:"enabled"`
	RetentionDays int  `mapstructure:"retention_days" toml:"retention_days"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "llmrelay"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`
}

// ProviderConfig describes one upstream account.
type ProviderConfig struct {
	ID         string `mapstructure:"id"          toml:"id"`
	Name       string `mapstructure:"name"        toml:"name"`
	Type       string `mapstructure:"type"        toml:"type"`
	BaseURL    string `mapstructure:"base_url"    toml:"base_url"`
	KeyRef     string `mapstructure:"key_ref"     toml:"key_ref"`
	Priority   int    `mapstructure:"priority"    toml:"priority"`
	Weight     *int   `mapstructure:"weight"      toml:"weight,omitempty"`
	Enabled    *bool  `mapstructure:"enabled"     toml:"enabled,omitempty"`
	MaxRetries int    `mapstructure:"max_retries" toml:"max_retries"`
	Timeout    int    `mapstructure:"timeout"     toml:"timeout"` // seconds
}

// ModelConfig describes a canonical model and the providers serving it.
type ModelConfig struct {
	Name     string          `mapstructure:"name"      toml:"name"`
	Remark   string          `mapstructure:"remark"    toml:"remark,omitempty"`
	MaxRetry int             `mapstructure:"max_retry" toml:"max_retry"`
	Timeout  int             `mapstructure:"timeout"   toml:"timeout"` // seconds
	Enabled  *bool           `mapstructure:"enabled"   toml:"enabled,omitempty"`
	Bindings []BindingConfig `mapstructure:"bindings"  toml:"bindings"`
}

// BindingConfig binds a provider to the enclosing model.
type BindingConfig struct {
	Provider         string `mapstructure:"provider"          toml:"provider"`
	ProviderModel    string `mapstructure:"provider_model"    toml:"provider_model"`
	Weight           *int   `mapstructure:"weight"            toml:"weight,omitempty"`
	ToolCall         bool   `mapstructure:"tool_call"         toml:"tool_call"`
	StructuredOutput bool   `mapstructure:"structured_output" toml:"structured_output"`
	ImageInput       bool   `mapstructure:"image_input"       toml:"image_input"`
	Enabled          *bool  `mapstructure:"enabled"           toml:"enabled,omitempty"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func intOr(i *int, def int) int {
	if i == nil {
		return def
	}
	return *i
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// StoreOptions resolves the store section against the data directory.
func (c *Config) StoreOptions() store.Options {
	opts := store.Options{Driver: strings.ToLower(c.Store.Driver), Path: c.Store.Path, DSN: c.Store.DSN}
	if opts.Path == "" {
		opts.Path = filepath.Join(c.Server.DataDir, DefaultDBFilename)
	}
	return opts
}

// Snapshot converts the declared providers and models into registry rows.
// Binding ids are "<provider>/<model>"; validate guarantees their uniqueness.
func (c *Config) Snapshot() store.Snapshot {
	var snap store.Snapshot
	for _, p := range c.Providers {
		snap.Providers = append(snap.Providers, registry.Provider{
			ID:         p.ID,
			Name:       p.Name,
			Type:       p.Type,
			BaseURL:    p.BaseURL,
			KeyRef:     p.KeyRef,
			Priority:   p.Priority,
			Weight:     intOr(p.Weight, DefaultProviderWeight),
			Enabled:    boolOr(p.Enabled, true),
			MaxRetries: p.MaxRetries,
			Timeout:    seconds(p.Timeout),
		})
	}
	for _, m := range c.Models {
		snap.Models = append(snap.Models, registry.CanonicalModel{
			Name:     m.Name,
			Remark:   m.Remark,
			MaxRetry: m.MaxRetry,
			Timeout:  seconds(m.Timeout),
			Enabled:  boolOr(m.Enabled, true),
		})
		for _, b := range m.Bindings {
			pm := b.ProviderModel
			if pm == "" {
				pm = m.Name
			}
			snap.Bindings = append(snap.Bindings, registry.Binding{
				ID:            b.Provider + "/" + m.Name,
				ProviderID:    b.Provider,
				ModelName:     m.Name,
				ProviderModel: pm,
				Weight:        intOr(b.Weight, DefaultBindingWeight),
				Capabilities: registry.Capabilities{
					ToolCall:         b.ToolCall,
					StructuredOutput: b.StructuredOutput,
					ImageInput:       b.ImageInput,
				},
				Enabled: boolOr(b.Enabled, true),
			})
		}
	}
	return snap
}

// ParsedWeightMode returns routing.weight_mode as a registry.WeightMode.
// Unknown values fall back to multiplicative; validate rejects them first.
func (r RoutingConfig) ParsedWeightMode() registry.WeightMode {
	m, err := registry.ParseWeightMode(r.WeightMode)
	if err != nil {
		return registry.WeightMultiplicative
	}
	return m
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (LLMRELAY_ prefix, _ as separator), including
//     those loaded from .env files
//  2. The file at explicitPath if non-empty
//  3. ~/.llmrelay/llmrelay.toml
//  4. ./llmrelay.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	// LLMRELAY_SERVER_PORT etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".llmrelay"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("llmrelay")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.Store.Path = expandHome(cfg.Store.Path)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// loadDotEnv loads .env from the working directory and then from the data
// directory. Variables already present in the environment are not replaced.
func loadDotEnv() {
	candidates := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".llmrelay", ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

// InitConfig writes the default configuration file to ~/.llmrelay/llmrelay.toml.
// If the file already exists it is not overwritten. It returns the path.
func InitConfig() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".llmrelay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	data, err := toml.Marshal(ExampleConfig())
	if err != nil {
		return "", fmt.Errorf("marshalling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing config: %w", err)
	}
	return path, nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	data, err := toml.Marshal(Get())
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every scalar key with viper so that env var
// binding works for all fields even when no config file is present.
// Providers and models are lists and can only come from the file.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("routing.weight_mode", d.Routing.WeightMode)
	v.SetDefault("routing.priority_gating", d.Routing.PriorityGating)
	v.SetDefault("routing.default_max_retry", d.Routing.DefaultMaxRetry)
	v.SetDefault("routing.default_timeout", d.Routing.DefaultTimeout)
	v.SetDefault("routing.retry_base_delay_ms", d.Routing.RetryBaseDelayMs)
	v.SetDefault("routing.retry_max_delay_ms", d.Routing.RetryMaxDelayMs)
	v.SetDefault("routing.registry_cache_ttl", d.Routing.RegistryCacheTTL)
	v.SetDefault("routing.registry_cache_size", d.Routing.RegistryCacheSize)

	v.SetDefault("health.failure_threshold", d.Health.FailureThreshold)
	v.SetDefault("health.recovery_threshold", d.Health.RecoveryThreshold)
	v.SetDefault("health.cooldown", d.Health.Cooldown)
	v.SetDefault("health.success_rate_alpha", d.Health.SuccessRateAlpha)
	v.SetDefault("health.probe_enabled", d.Health.ProbeEnabled)
	v.SetDefault("health.probe_interval", d.Health.ProbeInterval)
	v.SetDefault("health.probe_timeout", d.Health.ProbeTimeout)
	v.SetDefault("health.probe_concurrency", d.Health.ProbeConcurrency)
	v.SetDefault("health.queue_size", d.Health.QueueSize)

	v.SetDefault("auth.api_keys", d.Auth.APIKeys)
	v.SetDefault("auth.admin_token", d.Auth.AdminToken)
	v.SetDefault("auth.rate_limit", d.Auth.RateLimit)
	v.SetDefault("auth.rate_burst", d.Auth.RateBurst)

	v.SetDefault("cors.enabled", d.CORS.Enabled)
	v.SetDefault("cors.allowed_origins", d.CORS.AllowedOrigins)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.retention_days", d.Metrics.RetentionDays)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
