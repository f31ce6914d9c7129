package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teemow/mailboxauth/internal/connections"
	"github.com/teemow/mailboxauth/internal/instrumentation"
	"github.com/teemow/mailboxauth/internal/logging"
	"github.com/teemow/mailboxauth/internal/oauth"
	"github.com/teemow/mailboxauth/internal/storage"
	"github.com/teemow/mailboxauth/internal/tokens"
)

// Components are the collaborators a ServerContext serves.
type Components struct {
	Repository  storage.Repository
	Controller  *oauth.Controller
	Coordinator *tokens.Coordinator
	Connections *connections.Manager
	Metrics     *instrumentation.Metrics
	Logger      *slog.Logger
}

// ServerContext holds the components shared by the HTTP and MCP surfaces.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	repo        storage.Repository
	controller  *oauth.Controller
	coordinator *tokens.Coordinator
	connections *connections.Manager
	metrics     *instrumentation.Metrics
	logger      *slog.Logger

	jobs     sync.WaitGroup
	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext creates a new server context. It takes ownership of the
// repository and closes it on Shutdown.
func NewServerContext(ctx context.Context, c Components) (*ServerContext, error) {
	if c.Repository == nil || c.Controller == nil || c.Coordinator == nil || c.Connections == nil {
		return nil, errors.New("server context requires repository, controller, coordinator and connection manager")
	}

	shutdownCtx, cancel := context.WithCancel(ctx)
	return &ServerContext{
		ctx:         shutdownCtx,
		cancel:      cancel,
		repo:        c.Repository,
		controller:  c.Controller,
		coordinator: c.Coordinator,
		connections: c.Connections,
		metrics:     c.Metrics,
		logger:      logging.OrDefault(c.Logger),
	}, nil
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Repository returns the storage repository.
func (sc *ServerContext) Repository() storage.Repository {
	return sc.repo
}

// Controller returns the OAuth flow controller.
func (sc *ServerContext) Controller() *oauth.Controller {
	return sc.controller
}

// Coordinator returns the token refresh coordinator.
func (sc *ServerContext) Coordinator() *tokens.Coordinator {
	return sc.coordinator
}

// Connections returns the connection lifecycle manager.
func (sc *ServerContext) Connections() *connections.Manager {
	return sc.connections
}

// Logger returns the server logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// Metrics returns the metrics recorder, which may be nil.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.metrics
}

// SetMetrics sets the metrics recorder.
func (sc *ServerContext) SetMetrics(m *instrumentation.Metrics) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.metrics = m
}

// StartBackgroundJobs runs the refresh sweep and the state janitor until
// Shutdown. A non-positive interval disables the job.
func (sc *ServerContext) StartBackgroundJobs(sweepInterval, janitorInterval time.Duration) {
	if sweepInterval > 0 {
		sc.jobs.Add(1)
		go func() {
			defer sc.jobs.Done()
			sc.coordinator.RunSweeper(sc.ctx, sweepInterval)
		}()
	}
	if janitorInterval > 0 {
		sc.jobs.Add(1)
		go func() {
			defer sc.jobs.Done()
			sc.controller.RunStateJanitor(sc.ctx, janitorInterval)
		}()
	}
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown stops the background jobs and closes the repository.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	if sc.shutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.shutdown = true
	sc.mu.Unlock()

	sc.cancel()
	sc.jobs.Wait()
	return sc.repo.Close()
}
