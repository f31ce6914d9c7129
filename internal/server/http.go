package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPConfig configures an HTTPServer.
type HTTPConfig struct {
	// Addr is the listen address (e.g., ":8080").
	Addr string

	// APIToken guards the connection routes when set.
	APIToken string

	// RateLimit and RateLimitBurst bound OAuth route requests per client IP.
	// A zero RateLimit disables limiting.
	RateLimit      float64
	RateLimitBurst int
	TrustProxy     bool

	// MCPServer, when set, is served with the streamable HTTP transport at
	// /mcp, behind the same bearer token as the connection routes.
	MCPServer *mcpserver.MCPServer

	TLSCertFile string
	TLSKeyFile  string
}

// HTTPServer serves the OAuth, connection, health and MCP routes.
type HTTPServer struct {
	sc          *ServerContext
	config      HTTPConfig
	health      *HealthChecker
	rateLimiter *RateLimiter
	httpServer  *http.Server
	listener    net.Listener
}

// NewHTTPServer creates the HTTP server for sc.
func NewHTTPServer(sc *ServerContext, config HTTPConfig) (*HTTPServer, error) {
	if sc == nil {
		return nil, errors.New("server context is required")
	}
	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return nil, errors.New("both TLS certificate and key files must be provided")
	}

	s := &HTTPServer{
		sc:     sc,
		config: config,
		health: NewHealthChecker(sc),
	}
	if config.RateLimit > 0 {
		burst := config.RateLimitBurst
		if burst <= 0 {
			burst = int(config.RateLimit) + 1
		}
		s.rateLimiter = NewRateLimiter(config.RateLimit, burst, config.TrustProxy)
	}
	return s, nil
}

// HealthChecker returns the health checker, e.g. to flip readiness during
// shutdown.
func (s *HTTPServer) HealthChecker() *HealthChecker {
	return s.health
}

// Handler builds the complete handler chain.
func (s *HTTPServer) Handler() http.Handler {
	api := &apiHandler{sc: s.sc}
	mux := http.NewServeMux()

	limited := func(h http.HandlerFunc) http.Handler {
		if s.rateLimiter == nil {
			return h
		}
		return s.rateLimiter.Middleware(h)
	}
	guarded := func(h http.Handler) http.Handler {
		return requireBearer(s.config.APIToken, h)
	}

	mux.Handle("GET /oauth/authorize", limited(api.authorize))
	mux.Handle("GET /oauth/callback", limited(api.callback))

	mux.Handle("GET /connections", guarded(http.HandlerFunc(api.listConnections)))
	mux.Handle("GET /connections/{id}/check", guarded(http.HandlerFunc(api.checkConnection)))
	mux.Handle("POST /connections/{id}/refresh", guarded(http.HandlerFunc(api.refreshConnection)))
	mux.Handle("POST /connections/{id}/disconnect", guarded(http.HandlerFunc(api.disconnect)))

	s.health.RegisterHealthEndpoints(mux)

	if s.config.MCPServer != nil {
		mux.Handle("/mcp", guarded(mcpserver.NewStreamableHTTPServer(s.config.MCPServer,
			mcpserver.WithEndpointPath("/mcp"),
		)))
	}

	var handler http.Handler = recordRequests(s.sc.Metrics, mux)
	handler = securityHeaders(handler)
	return otelhttp.NewHandler(handler, "mailboxauth")
}

// Listen binds the configured address.
func (s *HTTPServer) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.sc.Context() },
	}
	return nil
}

// Addr returns the bound address after Listen, or the configured one.
func (s *HTTPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Start serves until Shutdown.
func (s *HTTPServer) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	if s.rateLimiter != nil {
		go s.rateLimiter.RunCleanup(s.sc.Context(), time.Minute)
	}

	s.sc.Logger().Info("starting HTTP server", slog.String("addr", s.Addr()), slog.Bool("tls", s.config.TLSCertFile != ""))

	var err error
	if s.config.TLSCertFile != "" {
		err = s.httpServer.ServeTLS(s.listener, s.config.TLSCertFile, s.config.TLSKeyFile)
	} else {
		err = s.httpServer.Serve(s.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown marks the server not ready and drains open requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	_ = s.listener.Close()
	return err
}
