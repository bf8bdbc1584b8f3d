// Package daemon wires the relay together and manages its process lifecycle.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmrelay/internal/config"
	"github.com/allaspectsdev/llmrelay/internal/feedback"
	"github.com/allaspectsdev/llmrelay/internal/health"
	"github.com/allaspectsdev/llmrelay/internal/metrics"
	"github.com/allaspectsdev/llmrelay/internal/provider"
	"github.com/allaspectsdev/llmrelay/internal/proxy"
	"github.com/allaspectsdev/llmrelay/internal/registry"
	"github.com/allaspectsdev/llmrelay/internal/router"
	"github.com/allaspectsdev/llmrelay/internal/store"
	"github.com/allaspectsdev/llmrelay/internal/tokenizer"
	"github.com/allaspectsdev/llmrelay/internal/tracing"
	"github.com/allaspectsdev/llmrelay/internal/vault"
	"github.com/allaspectsdev/llmrelay/internal/version"
)

const (
	logFilename     = "llmrelay.log"
	pruneInterval   = 24 * time.Hour
	shutdownTimeout = 30 * time.Second
)

// Run is the main daemon orchestrator. It initialises all subsystems,
// starts the relay server, and blocks until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	// Always log to file.
	logPath := filepath.Join(dataDir, logFilename)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers := []io.Writer{logFile}

	// If foreground, also write to stderr with console formatting.
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Str("service", "llmrelay").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("llmrelay starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("llmrelay is already running (PID file exists at %s)", pidPath(dataDir))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing.
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(ctx, tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version.Version,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initialising tracing: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownTracing(flushCtx); err != nil {
				log.Warn().Err(err).Msg("flushing traces")
			}
		}()
		log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing enabled")
	}

	// 4. Open store and load the declared registry into it.
	st, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	log.Info().Str("driver", st.Driver()).Str("path", st.Path()).Msg("store opened")

	res, err := st.SyncRegistry(ctx, cfg.Snapshot())
	if err != nil {
		return fmt.Errorf("syncing registry: %w", err)
	}
	log.Info().
		Int("providers", res.Providers).
		Int("models", res.Models).
		Int("bindings", res.Bindings).
		Msg("registry synced")

	// 5. Build the routing stack.
	app := newApp(cfg, st, log.Logger)
	if n, err := app.sink.Restore(ctx, st); err != nil {
		log.Warn().Err(err).Msg("restoring provider health; starting fresh")
	} else if n > 0 {
		log.Info().Int("providers", n).Msg("provider health restored")
	}

	// 6. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	// 7. Start config watcher.
	configFile := config.ConfigFilePath()
	if configFile != "" {
		w, err := config.Watch(configFile, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(_, newCfg *config.Config) {
				app.reload(ctx, newCfg)
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 8. Background loops.
	bgDone := make(chan struct{})
	go func() {
		defer close(bgDone)
		runPruner(ctx, st, pruneInterval, cfg.Metrics.RetentionDays)
	}()
	probeDone := make(chan struct{})
	go func() {
		defer close(probeDone)
		if cfg.Health.ProbeEnabled {
			app.prober.Run(ctx, time.Duration(cfg.Health.ProbeInterval)*time.Second)
		}
	}()

	// 9. Start the relay server.
	server := app.server(cfg)
	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLSEnabled {
			log.Info().Str("addr", server.Addr()).Msg("relay server starting (TLS)")
			errCh <- server.StartTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			log.Info().Str("addr", server.Addr()).Msg("relay server starting")
			errCh <- server.Start()
		}
	}()

	log.Info().Int("port", cfg.Server.Port).Bool("tls", cfg.Server.TLSEnabled).Msg("llmrelay is ready")
	if foreground {
		scheme := "http"
		if cfg.Server.TLSEnabled {
			scheme = "https"
		}
		fmt.Printf("\n  llmrelay is running!\n  Endpoint: %s://localhost:%d/v1\n\n", scheme, cfg.Server.Port)
	}

	// 10. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("fatal server error")
			runErr = err
		}
	}

	// 11. Graceful shutdown: stop taking requests, stop background work,
	// then drain the feedback queue before the store closes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("relay server shutdown error")
	}
	cancel()
	<-bgDone
	<-probeDone
	if err := app.sink.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Int("pending", app.sink.Pending()).Msg("feedback queue not fully drained")
	}

	log.Info().Msg("llmrelay stopped")
	return runErr
}

// app holds the long-lived components Run wires together.
type app struct {
	store    *store.Store
	registry *registry.Cached
	vault    *vault.Vault
	metrics  *metrics.Collector
	sink     *feedback.Sink
	tracker  *health.Tracker
	adapters *provider.Set
	router   *router.Router
	prober   *health.Prober
	logger   zerolog.Logger
}

func newApp(cfg *config.Config, st *store.Store, logger zerolog.Logger) *app {
	a := &app{
		store:   st,
		vault:   vault.New(),
		metrics: metrics.NewCollector(),
		logger:  logger.With().Str("component", "daemon").Logger(),
	}
	a.registry = registry.NewCached(st, cfg.Routing.RegistryCacheSize, time.Duration(cfg.Routing.RegistryCacheTTL)*time.Second)

	a.sink = feedback.New(st, a.metrics, logger, feedback.Options{QueueSize: cfg.Health.QueueSize})
	a.tracker = a.sink.NewTracker(health.Options{
		FailureThreshold:  cfg.Health.FailureThreshold,
		RecoveryThreshold: cfg.Health.RecoveryThreshold,
		Cooldown:          time.Duration(cfg.Health.Cooldown) * time.Second,
		Alpha:             cfg.Health.SuccessRateAlpha,
	})

	a.adapters = provider.NewDefaultSet(provider.NewHTTPClient(), a.vault)
	a.router = router.New(a.registry, a.tracker, a.adapters, a.sink, tokenizer.New(), logger, router.Options{
		DefaultMaxRetry: cfg.Routing.DefaultMaxRetry,
		DefaultTimeout:  time.Duration(cfg.Routing.DefaultTimeout) * time.Second,
		RetryBaseDelay:  time.Duration(cfg.Routing.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:   time.Duration(cfg.Routing.RetryMaxDelayMs) * time.Millisecond,
		WeightMode:      cfg.Routing.ParsedWeightMode(),
		PriorityGating:  cfg.Routing.PriorityGating,
	})
	a.prober = health.NewProber(a.registry, a.adapters, a.tracker, a.sink, logger, health.ProberOptions{
		Timeout:     time.Duration(cfg.Health.ProbeTimeout) * time.Second,
		Concurrency: cfg.Health.ProbeConcurrency,
	})
	return a
}

// server builds the HTTP surface over the app's components.
func (a *app) server(cfg *config.Config) *proxy.Server {
	h := proxy.NewHandler(proxy.Deps{
		Router:      a.router,
		Registry:    a.registry,
		Store:       a.store,
		Health:      a.tracker,
		Prober:      a.prober,
		Adapters:    a.adapters,
		Metrics:     a.metrics,
		Logger:      a.logger,
		MaxBodySize: cfg.Server.MaxBodySize,
	})
	opts := proxy.ServerOptions{
		Addr:         net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.Port)),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		Tracing:      cfg.Tracing.Enabled,
		APIKeys:      cfg.Auth.APIKeys,
		AdminToken:   cfg.Auth.AdminToken,
		RateLimit:    cfg.Auth.RateLimit,
		RateBurst:    cfg.Auth.RateBurst,
	}
	if cfg.CORS.Enabled {
		opts.CORSOrigins = cfg.CORS.AllowedOrigins
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = a.metrics.Handler()
	}
	return proxy.NewServer(h, opts)
}

// reload applies a changed configuration: the registry is re-synced,
// cached lookups and keys are dropped, and removed providers are forgotten.
// Listener, store, and health tuning changes need a restart.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	res, err := a.store.SyncRegistry(ctx, cfg.Snapshot())
	if err != nil {
		a.logger.Error().Err(err).Msg("re-syncing registry after config change; keeping previous registry")
		return
	}
	a.registry.Purge()
	a.vault.Purge()
	for _, id := range res.RemovedProviders {
		a.sink.Forget(id)
	}
	a.logger.Info().
		Int("providers", res.Providers).
		Int("models", res.Models).
		Int("bindings", res.Bindings).
		Strs("removed_providers", res.RemovedProviders).
		Strs("removed_models", res.RemovedModels).
		Msg("configuration reloaded")
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := config.Get().Server.DataDir

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("llmrelay does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		// Stale PID file; clean it up.
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("llmrelay is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to llmrelay (PID %d)\n", pid)

	// Wait for the process to drain and exit.
	deadline := time.Now().Add(shutdownTimeout + 5*time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return fmt.Errorf("llmrelay (PID %d) did not exit within %s", pid, shutdownTimeout)
}

// Status checks if the daemon is running and prints a summary from the
// admin API.
func Status() error {
	cfg := config.Get()
	dataDir := cfg.Server.DataDir

	if !IsRunning(dataDir) {
		fmt.Println("llmrelay is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("llmrelay is running (PID %d)\n", pid)

	body, err := adminGet(cfg, "/admin/stats")
	if err != nil {
		fmt.Printf("  (admin API unreachable: %v)\n", err)
		return nil
	}

	var stats struct {
		Live      *metrics.Stats      `json:"live"`
		Last24h   *store.AttemptStats `json:"last_24h"`
		Unhealthy []string            `json:"unhealthy"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}

	if s := stats.Live; s != nil {
		fmt.Printf("\n  Uptime:            %s\n", s.Uptime)
		fmt.Printf("  Requests:          %d\n", s.TotalRequests)
		fmt.Printf("  Attempts:          %d (%d failed)\n", s.TotalAttempts, s.FailedAttempts)
		fmt.Printf("  Failovers:         %d\n", s.Failovers)
		fmt.Printf("  Tokens:            %d prompt / %d completion\n", s.PromptTokens, s.CompletionTokens)
		fmt.Printf("  Active:            %d\n", s.ActiveRequests)
	}
	if s := stats.Last24h; s != nil {
		fmt.Printf("  Attempts (24h):    %d (%d ok, %d probes)\n", s.Attempts, s.Successes, s.Probes)
	}
	if len(stats.Unhealthy) > 0 {
		fmt.Printf("  Unhealthy:         %s\n", strings.Join(stats.Unhealthy, ", "))
	}
	return nil
}

// Probe asks the running daemon to probe one provider and prints the result.
func Probe(providerID string) error {
	cfg := config.Get()
	body, err := adminDo(cfg, http.MethodPost, "/admin/providers/"+providerID+"/probe")
	if err != nil {
		return err
	}
	var res struct {
		Success    bool   `json:"success"`
		Class      string `json:"class"`
		StatusCode int    `json:"status_code"`
		LatencyMs  int64  `json:"latency_ms"`
		Error      string `json:"error"`
		Health     *struct {
			State string `json:"state"`
		} `json:"health"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("decoding probe result: %w", err)
	}

	result := "reachable"
	if !res.Success {
		result = "FAILED (" + res.Class + ")"
	}
	fmt.Printf("%s: %s in %dms\n", providerID, result, res.LatencyMs)
	if res.Error != "" {
		fmt.Printf("  error: %s\n", res.Error)
	}
	if res.Health != nil {
		fmt.Printf("  state: %s\n", res.Health.State)
	}
	return nil
}

func adminGet(cfg *config.Config, path string) ([]byte, error) {
	return adminDo(cfg, http.MethodGet, path)
}

func adminDo(cfg *config.Config, method, path string) ([]byte, error) {
	scheme := "http"
	if cfg.Server.TLSEnabled {
		scheme = "https"
	}
	host := cfg.Server.BindAddress
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)), path)

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Auth.AdminToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading admin response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			return nil, errors.New(e.Error.Message)
		}
		return nil, fmt.Errorf("admin API returned %s", resp.Status)
	}
	return body, nil
}

// pruner is the slice of the store the pruner needs.
type pruner interface {
	Prune(ctx context.Context, retentionDays int) (int64, error)
}

// runPruner periodically prunes old attempt logs from the store. It prunes
// once at startup and then every interval.
func runPruner(ctx context.Context, st pruner, interval time.Duration, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	prune := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("data pruner: recovered from panic")
			}
		}()
		n, err := st.Prune(ctx, retentionDays)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("data pruning failed")
			}
		} else if n > 0 {
			log.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned old attempt logs")
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
