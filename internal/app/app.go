// Package app wires tenantgate's components into a runnable gateway:
// configuration, the token store, OAuth broker, worker supervisor, session
// registry, router, and HTTP surface, plus signal-driven graceful shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tenantgate/internal/config"
	"tenantgate/internal/httpapi"
	"tenantgate/internal/oauthbroker"
	"tenantgate/internal/router"
	"tenantgate/internal/session"
	"tenantgate/internal/tokenstore"
	"tenantgate/internal/worker"
	"tenantgate/pkg/logging"
)

const subsystem = "Application"

const shutdownDeadline = 15 * time.Second

// HTTP server timeouts guard against slow-client resource exhaustion
// (Slowloris-style attacks that hold connections open without completing
// requests). ReadHeaderTimeout bounds how long a client can take sending
// headers before the connection is dropped; WriteTimeout and IdleTimeout
// bound response writes and idle keep-alives respectively.
const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 120 * time.Second
	idleTimeout       = 120 * time.Second
)

// Version is set by main at startup from its build-time version string.
var Version = "dev"

// Application is the gateway's root object: ordinary values constructed at
// startup and passed by reference to the HTTP dispatcher. There is no
// process-wide state beyond this struct.
type Application struct {
	cfg *config.Config

	tokens     *tokenstore.Store
	oauth      *oauthbroker.Broker
	supervisor *worker.Supervisor
	sessions   *session.Registry
	router     *router.Router
	httpServer *http.Server

	snapshotStop chan struct{}
	snapshotDone chan struct{}
}

// New constructs every component but does not spawn the default worker or
// start listening — call Run for that.
func New(cfg *config.Config) (*Application, error) {
	logging.Init(logging.ParseLevel(cfg.LogLevel), os.Stderr)

	tokens, err := tokenstore.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("initializing token store: %w", err)
	}

	oauth := oauthbroker.New(oauthbroker.Config{
		AuthorizeURL:  cfg.IdPAuthorizeURL,
		TokenURL:      cfg.IdPTokenURL,
		RefreshURL:    cfg.IdPRefreshURL,
		UserInfoURL:   cfg.IdPUserInfoURL,
		ClientID:      cfg.IdPClientID,
		ClientSecret:  cfg.IdPClientSecret,
		RedirectURI:   cfg.IdPRedirectURI,
		Scope:         cfg.IdPScope,
		RefreshMargin: cfg.TokenTTLMargin,
	}, tokens)

	supervisor := worker.New(worker.Config{
		BinaryPath:      cfg.WorkerBinaryPath,
		BasePort:        cfg.WorkerBasePort,
		DefaultPort:     cfg.WorkerDefaultPort,
		PortWindow:      cfg.PortWindow,
		MaxInstances:    cfg.MaxInstances,
		IdleTimeout:     cfg.IdleTimeout,
		MemoryCapMB:     cfg.MemoryCapMB,
		IdPClientID:     cfg.IdPClientID,
		IdPClientSecret: cfg.IdPClientSecret,
		DataDir:         cfg.DataDir,
	})

	sessions := session.New(cfg.MaxSessions, cfg.SessionTTL)
	rtr := router.New(sessions, supervisor)

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	httpSrv := httpapi.New(httpapi.Config{
		RateLimitPerSession: cfg.RateLimitPerSession,
		RateLimitPerIP:      cfg.RateLimitPerIP,
		RateLimitBurst:      cfg.RateLimitBurst,
		Version:             Version,
		BaseURL:             baseURL,
	}, sessions, rtr, oauth, supervisor)

	return &Application{
		cfg:        cfg,
		tokens:     tokens,
		oauth:      oauth,
		supervisor: supervisor,
		sessions:   sessions,
		router:     rtr,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           httpSrv,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		},
		snapshotStop: make(chan struct{}),
		snapshotDone: make(chan struct{}),
	}, nil
}

// snapshotLoop logs a periodic summary of worker and session counts at the
// configured interval, giving operators a coarse activity trail between
// /health polls.
func (a *Application) snapshotLoop() {
	defer close(a.snapshotDone)

	interval := a.cfg.SnapshotInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			workers := a.supervisor.Counts()
			sessions := a.sessions.Stats()
			logging.Info(subsystem, "snapshot: workers total=%d user=%d running=%d default=%s sessions total=%d authenticated=%d",
				workers.Total, workers.User, workers.Running, workers.DefaultInstanceStatus,
				sessions.Total, sessions.Authenticated)
		case <-a.snapshotStop:
			return
		}
	}
}

// Run spawns the default worker, starts the HTTP listener, and blocks until
// ctx is cancelled or a SIGINT/SIGTERM is received, then shuts down in order:
// HTTP listener, then Worker Supervisor, then the OAuth Broker's sweeper
// (the Session Registry has no background goroutine to stop).
func (a *Application) Run(ctx context.Context) error {
	if err := a.supervisor.Initialize(); err != nil {
		return fmt.Errorf("initializing worker supervisor: %w", err)
	}

	go a.snapshotLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logging.Info(subsystem, "listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logging.Info(subsystem, "context cancelled, shutting down")
	case <-sigCh:
		logging.Info(subsystem, "received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			a.shutdown()
			return fmt.Errorf("http server: %w", err)
		}
	}

	a.shutdown()
	return nil
}

func (a *Application) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn(subsystem, "http server shutdown error: %v", err)
	}

	close(a.snapshotStop)
	<-a.snapshotDone

	a.supervisor.Shutdown()
	a.oauth.Stop()

	logging.Info(subsystem, "shutdown complete")
}
