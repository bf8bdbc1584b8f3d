package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/allaspectsdev/llmrelay/internal/tracing"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// Tracing adds the OpenTelemetry middleware.
	Tracing bool
	// CORSOrigins enables CORS for the listed origins when non-empty.
	CORSOrigins []string
	// APIKeys guards the /v1 routes when non-empty.
	APIKeys []string
	// AdminToken guards the /admin routes. Empty leaves them open.
	AdminToken string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// RateLimit caps /v1 requests per second per client. Zero disables it.
	RateLimit float64
	RateBurst int
}

// Server is the HTTP server for the relay. It binds the chi router to the
// configured address and provides graceful shutdown support.
type Server struct {
	router  chi.Router
	handler *Handler
	addr    string
	httpSrv *http.Server
}

// NewServer creates a new Server with the given Handler and options.
// Zero-value timeouts leave the corresponding http.Server field at its
// default (no timeout).
func NewServer(handler *Handler, opts ServerOptions) *Server {
	r := chi.NewRouter()

	// Standard chi middleware.
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderRequestID},
			ExposedHeaders:   []string{HeaderRequestID, HeaderProvider, HeaderAttempts},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// OpenTelemetry trace context extraction/injection.
	if opts.Tracing {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Get("/health", handler.HandleHealth)
	r.Get("/health/ready", handler.HandleReady)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.APIKeys))
		r.Use(NewRateLimiter(opts.RateLimit, opts.RateBurst).Middleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletions)
		r.Get("/v1/models", handler.HandleModels)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware([]string{opts.AdminToken}))
		r.Get("/providers", handler.HandleAdminProviders)
		r.Get("/providers/{id}/models", handler.HandleAdminProviderModels)
		r.Post("/providers/{id}/probe", handler.HandleAdminProbe)
		r.Get("/attempts", handler.HandleAdminAttempts)
		r.Get("/stats", handler.HandleAdminStats)
	})

	srv := &Server{
		router:  r,
		handler: handler,
		addr:    opts.Addr,
	}

	srv.httpSrv = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}

	return srv
}

// Router returns the underlying chi.Router, useful for testing or additional
// route mounting by the caller.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Start begins listening for HTTP connections on the configured address.
// It blocks until the server is shut down or encounters a fatal error.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

// StartTLS begins listening for HTTPS connections using the given certificate
// and key files. It blocks until the server is shut down or encounters a fatal error.
func (s *Server) StartTLS(certFile, keyFile string) error {
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay server (TLS): %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
