package config

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "LLMRELAY"

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultPort is the default port of the gateway.
const DefaultPort = 7677

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.llmrelay"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "llmrelay.toml"

// DefaultDBFilename is the SQLite file created inside the data directory.
const DefaultDBFilename = "llmrelay.db"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Set high (5 minutes) to accommodate LLM streaming responses.
const DefaultWriteTimeout = 300

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize = 10 << 20

// Routing defaults.
const (
	DefaultWeightMode        = "multiplicative"
	DefaultMaxRetry          = 3
	DefaultAttemptTimeout    = 60 // seconds
	DefaultRetryBaseDelayMs  = 100
	DefaultRetryMaxDelayMs   = 2000
	DefaultRegistryCacheTTL  = 30 // seconds
	DefaultRegistryCacheSize = 256
	DefaultProviderWeight    = 100
	DefaultBindingWeight     = 1
)

// Health defaults.
const (
	DefaultFailureThreshold  = 5
	DefaultRecoveryThreshold = 2
	DefaultCooldown          = 3600 // seconds
	DefaultSuccessRateAlpha  = 0.1
	DefaultProbeInterval     = 300 // seconds
	DefaultProbeTimeout      = 15  // seconds
	DefaultProbeConcurrency  = 4
	DefaultQueueSize         = 1024
)

// DefaultRateBurst is the per-client burst used when auth.rate_limit is set.
const DefaultRateBurst = 20

// DefaultRetentionDays is the default attempt log retention in days.
const DefaultRetentionDays = 30

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "llmrelay"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidStoreDrivers lists the supported persistence backends.
var ValidStoreDrivers = []string{"sqlite", "postgres"}

// ValidProviderTypes lists the adapter tags the gateway ships with.
var ValidProviderTypes = []string{
	"openai", "openai-compatible", "azure-openai", "deepseek", "qwen", "glm",
	"ollama", "openrouter", "anthropic", "gemini",
}

// DefaultConfig returns a Config populated with all default values. It
// declares no providers or models.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			Port:         DefaultPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Routing: RoutingConfig{
			WeightMode:        DefaultWeightMode,
			PriorityGating:    false,
			DefaultMaxRetry:   DefaultMaxRetry,
			DefaultTimeout:    DefaultAttemptTimeout,
			RetryBaseDelayMs:  DefaultRetryBaseDelayMs,
			RetryMaxDelayMs:   DefaultRetryMaxDelayMs,
			RegistryCacheTTL:  DefaultRegistryCacheTTL,
			RegistryCacheSize: DefaultRegistryCacheSize,
		},
		Health: HealthConfig{
			FailureThreshold:  DefaultFailureThreshold,
			RecoveryThreshold: DefaultRecoveryThreshold,
			Cooldown:          DefaultCooldown,
			SuccessRateAlpha:  DefaultSuccessRateAlpha,
			ProbeEnabled:      true,
			ProbeInterval:     DefaultProbeInterval,
			ProbeTimeout:      DefaultProbeTimeout,
			ProbeConcurrency:  DefaultProbeConcurrency,
			QueueSize:         DefaultQueueSize,
		},
		Auth: AuthConfig{
			APIKeys:   []string{},
			RateBurst: DefaultRateBurst,
		},
		CORS: CORSConfig{
			Enabled:        false,
			AllowedOrigins: []string{"http://localhost:7677"},
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			RetentionDays: DefaultRetentionDays,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
		},
	}
}

// ExampleConfig is DefaultConfig plus one provider and one model, written
// by init-config as a starting point.
func ExampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{
			ID:       "openai",
			Name:     "OpenAI",
			Type:     "openai",
			BaseURL:  "https://api.openai.com/v1",
			KeyRef:   "keyring://llmrelay/openai",
			Priority: 0,
		},
		{
			ID:       "anthropic",
			Name:     "Anthropic",
			Type:     "anthropic",
			BaseURL:  "https://api.anthropic.com/v1",
			KeyRef:   "keyring://llmrelay/anthropic",
			Priority: 1,
		},
		{
			ID:       "gemini",
			Name:     "Google Gemini",
			Type:     "gemini",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
			KeyRef:   "keyring://llmrelay/gemini",
			Priority: 1,
		},
	}
	cfg.Models = []ModelConfig{
		{
			Name: "default",
			Bindings: []BindingConfig{
				{Provider: "openai", ProviderModel: "gpt-4o-mini", ToolCall: true, StructuredOutput: true, ImageInput: true},
				{Provider: "anthropic", ProviderModel: "claude-haiku-4-5", ToolCall: true, ImageInput: true},
				{Provider: "gemini", ProviderModel: "gemini-2.0-flash", ToolCall: true, StructuredOutput: true, ImageInput: true},
			},
		},
	}
	return cfg
}
