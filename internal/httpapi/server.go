// Package httpapi implements the HTTP Surface (C8): a thin dispatcher
// binding the gateway's endpoints to the Router, Session Registry, OAuth
// Broker, and Worker Supervisor, with rate-limiting middleware in front.
package httpapi

import (
	"net/http"
	"time"

	"tenantgate/internal/oauthbroker"
	"tenantgate/internal/router"
	"tenantgate/internal/session"
	"tenantgate/internal/sse"
	"tenantgate/internal/worker"
)

// Server binds the gateway's HTTP endpoints. Construct with New and pass
// the result to http.ListenAndServe (or app.Application, which owns the
// listener lifecycle).
type Server struct {
	router     *router.Router
	sessions   *session.Registry
	oauth      *oauthbroker.Broker
	supervisor *worker.Supervisor

	version   string
	startedAt time.Time

	mux *http.ServeMux
}

// Config bundles the rate-limit parameters and the server's identity.
type Config struct {
	RateLimitPerSession float64
	RateLimitPerIP      float64
	RateLimitBurst      int
	Version             string
	BaseURL             string
}

// New wires the dispatch table and rate-limiting middleware.
func New(cfg Config, sessions *session.Registry, rtr *router.Router, oauth *oauthbroker.Broker, supervisor *worker.Supervisor) *Server {
	s := &Server{
		router:     rtr,
		sessions:   sessions,
		oauth:      oauth,
		supervisor: supervisor,
		version:    cfg.Version,
		startedAt:  time.Now(),
		mux:        http.NewServeMux(),
	}

	sseHandler := sse.New(sessions, rtr, oauth, cfg.BaseURL)

	sessionLimiters := newLimiterSet(cfg.RateLimitPerSession, cfg.RateLimitBurst)
	ipLimiters := newLimiterSet(cfg.RateLimitPerIP, cfg.RateLimitBurst)
	limited := func(h http.Handler) http.Handler { return rateLimitMiddleware(sessionLimiters, ipLimiters, h) }

	s.mux.Handle("/sse", limited(sseHandler))
	s.mux.Handle("/messages", limited(http.HandlerFunc(s.handleMessages)))
	s.mux.HandleFunc("/tools", s.handleTools)
	s.mux.HandleFunc("/oauth/start", s.handleOAuthStart)
	s.mux.HandleFunc("/oauth/callback", s.handleOAuthCallback)
	s.mux.HandleFunc("/health", s.handleHealth)

	return s
}

// ServeHTTP makes Server usable directly as an http.Handler (e.g. wrapped
// in http.Server.Handler).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
