package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/allaspectsdev/llmrelay/internal/registry"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "llmrelay.toml")
	content := "[server]\ndata_dir = \"" + dir + "\"\n" + body
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const routingFixture = `
[routing]
weight_mode = "additive"
priority_gating = true

[[providers]]
id = "dashscope"
type = "qwen"
base_url = "https://dashscope.example/compatible-mode/v1"
key_ref = "env://DASHSCOPE_API_KEY"
priority = 0
weight = 0
timeout = 20

[[providers]]
id = "zhipu"
type = "glm"
base_url = "https://zhipu.example/api/paas/v4"
key_ref = "keyring://llmrelay/zhipu"
priority = 1
enabled = false

[[models]]
name = "glm-4"
max_retry = 2

  [[models.bindings]]
  provider = "zhipu"

  [[models.bindings]]
  provider = "dashscope"
  provider_model = "glm-4-plus"
  weight = 3
  tool_call = true

[[models]]
name = "qwen-max"
enabled = false

  [[models.bindings]]
  provider = "dashscope"
  provider_model = "qwen-max-latest"
`

func TestLoad_WithExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
port = 9090
log_level = "debug"
`+routingFixture)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port: got %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Routing.ParsedWeightMode() != registry.WeightAdditive || !cfg.Routing.PriorityGating {
		t.Errorf("Routing: got %+v", cfg.Routing)
	}
	if len(cfg.Providers) != 2 || len(cfg.Models) != 2 {
		t.Fatalf("got %d providers, %d models", len(cfg.Providers), len(cfg.Models))
	}
	if cfg.Providers[0].Weight == nil || *cfg.Providers[0].Weight != 0 {
		t.Errorf("explicit zero weight lost: %v", cfg.Providers[0].Weight)
	}
	if cfg.Providers[1].Weight != nil {
		t.Errorf("unset weight should stay nil, got %d", *cfg.Providers[1].Weight)
	}
	if len(cfg.Models[0].Bindings) != 2 {
		t.Errorf("glm-4 bindings: got %d, want 2", len(cfg.Models[0].Bindings))
	}
	if ConfigFilePath() != path {
		t.Errorf("ConfigFilePath: got %q, want %q", ConfigFilePath(), path)
	}
	if Get() != cfg {
		t.Error("Get should return the loaded config")
	}
	set(DefaultConfig())
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "port = 7677\n")

	t.Setenv("LLMRELAY_SERVER_PORT", "8888")
	t.Setenv("LLMRELAY_HEALTH_FAILURE_THRESHOLD", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("Port with env override: got %d, want 8888", cfg.Server.Port)
	}
	if cfg.Health.FailureThreshold != 7 {
		t.Errorf("FailureThreshold with env override: got %d, want 7", cfg.Health.FailureThreshold)
	}
	set(DefaultConfig())
}

func TestLoad_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[[models]]
name = "glm-4"
  [[models.bindings]]
  provider = "ghost"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown provider")
	}
}

func TestSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(writeConfig(t, dir, routingFixture))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer set(DefaultConfig())

	snap := cfg.Snapshot()

	wantProviders := []registry.Provider{
		{ID: "dashscope", Type: "qwen", BaseURL: "https://dashscope.example/compatible-mode/v1",
			KeyRef: "env://DASHSCOPE_API_KEY", Priority: 0, Weight: 0, Enabled: true, Timeout: 20 * time.Second},
		{ID: "zhipu", Type: "glm", BaseURL: "https://zhipu.example/api/paas/v4",
			KeyRef: "keyring://llmrelay/zhipu", Priority: 1, Weight: DefaultProviderWeight, Enabled: false},
	}
	if diff := cmp.Diff(wantProviders, snap.Providers); diff != "" {
		t.Errorf("providers mismatch (-want +got):\n%s", diff)
	}

	wantModels := []registry.CanonicalModel{
		{Name: "glm-4", MaxRetry: 2, Enabled: true},
		{Name: "qwen-max", Enabled: false},
	}
	if diff := cmp.Diff(wantModels, snap.Models); diff != "" {
		t.Errorf("models mismatch (-want +got):\n%s", diff)
	}

	wantBindings := []registry.Binding{
		{ID: "zhipu/glm-4", ProviderID: "zhipu", ModelName: "glm-4", ProviderModel: "glm-4",
			Weight: DefaultBindingWeight, Enabled: true},
		{ID: "dashscope/glm-4", ProviderID: "dashscope", ModelName: "glm-4", ProviderModel: "glm-4-plus",
			Weight: 3, Capabilities: registry.Capabilities{ToolCall: true}, Enabled: true},
		{ID: "dashscope/qwen-max", ProviderID: "dashscope", ModelName: "qwen-max", ProviderModel: "qwen-max-latest",
			Weight: DefaultBindingWeight, Enabled: true},
	}
	if diff := cmp.Diff(wantBindings, snap.Bindings); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/var/lib/llmrelay"

	opts := cfg.StoreOptions()
	if opts.Path != filepath.Join("/var/lib/llmrelay", DefaultDBFilename) {
		t.Errorf("Path: got %q", opts.Path)
	}

	cfg.Store.Driver = "Postgres"
	cfg.Store.DSN = "postgres://relay@db/relay"
	opts = cfg.StoreOptions()
	if opts.Driver != "postgres" || opts.DSN != cfg.Store.DSN {
		t.Errorf("postgres options: got %+v", opts)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Port: got %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Health.FailureThreshold != 5 || cfg.Health.RecoveryThreshold != 2 {
		t.Errorf("Health thresholds: got %+v", cfg.Health)
	}
	if cfg.Routing.RegistryCacheTTL != 30 {
		t.Errorf("RegistryCacheTTL: got %d, want 30", cfg.Routing.RegistryCacheTTL)
	}
	if len(cfg.Providers) != 0 || len(cfg.Models) != 0 {
		t.Error("default config must not declare providers or models")
	}
	cfg.Server.DataDir = "/tmp/x"
	if err := validate(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if err := validate(ExampleConfig()); err != nil {
		t.Errorf("example config should validate: %v", err)
	}
}

func TestConfigFilePath_BeforeLoad(t *testing.T) {
	loadedConfigFile.Store("")
	if path := ConfigFilePath(); path != "" {
		t.Errorf("ConfigFilePath before load: got %q, want empty", path)
	}
}

func TestExportConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	exportPath := filepath.Join(dir, "exported.toml")

	cfg := ExampleConfig()
	cfg.Server.DataDir = dir
	set(cfg)
	defer set(DefaultConfig())

	if err := ExportConfig(exportPath); err != nil {
		t.Fatalf("ExportConfig: %v", err)
	}

	loaded, err := Load(exportPath)
	if err != nil {
		t.Fatalf("Load exported: %v", err)
	}
	if diff := cmp.Diff(cfg.Snapshot(), loaded.Snapshot()); diff != "" {
		t.Errorf("exported registry differs (-want +got):\n%s", diff)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/.llmrelay"); got != filepath.Join(home, ".llmrelay") {
		t.Errorf("expandHome: got %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("expandHome absolute: got %q", got)
	}
}
