package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/teemow/mailboxauth/internal/instrumentation"
)

const (
	// DefaultMetricsAddr keeps scraping off the public listener.
	DefaultMetricsAddr = ":9090"

	metricsHeaderTimeout = 10 * time.Second
	metricsWriteTimeout  = 10 * time.Second
	metricsIdleTimeout   = time.Minute
)

// MetricsServerConfig configures the scrape endpoint.
type MetricsServerConfig struct {
	// Addr defaults to DefaultMetricsAddr.
	Addr string

	// InstrumentationProvider must be enabled and use the Prometheus exporter.
	InstrumentationProvider *instrumentation.Provider

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// MetricsServer exposes /metrics on its own listener so the scrape port can
// stay internal while the OAuth callback is public.
type MetricsServer struct {
	addr     string
	scrape   http.Handler
	logger   *slog.Logger
	listener net.Listener
	srv      *http.Server
}

// NewMetricsServer checks that the provider can actually be scraped.
func NewMetricsServer(config MetricsServerConfig) (*MetricsServer, error) {
	p := config.InstrumentationProvider
	switch {
	case p == nil:
		return nil, errors.New("instrumentation provider is required for metrics server")
	case !p.Enabled():
		return nil, errors.New("instrumentation provider is not enabled")
	case p.Handler() == nil:
		return nil, errors.New("instrumentation provider has no prometheus exporter")
	}

	s := &MetricsServer{
		addr:   config.Addr,
		scrape: p.Handler(),
		logger: config.Logger,
	}
	if s.addr == "" {
		s.addr = DefaultMetricsAddr
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Handler serves GET /metrics and a plain-text liveness check.
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.scrape)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Listen binds the address so that Addr reports the real port before
// Start runs, which tests on ":0" rely on.
func (s *MetricsServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: metricsHeaderTimeout,
		WriteTimeout:      metricsWriteTimeout,
		IdleTimeout:       metricsIdleTimeout,
	}
	return nil
}

// Start blocks serving scrapes until Shutdown.
func (s *MetricsServer) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("serving metrics", slog.String("addr", s.addr))
	if err := s.srv.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown is a no-op if the server never listened.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	// Serve may not have taken over the listener yet.
	_ = s.listener.Close()
	return err
}

// Addr is the bound address once Listen has run.
func (s *MetricsServer) Addr() string {
	return s.addr
}
