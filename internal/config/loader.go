package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Load decodes tenantgate's configuration from the environment and
// validates it. A non-nil error here is always a startup/exit-1
// condition — callers must not attempt to run with a partially
// valid Config.
func Load() (*Config, error) {
	var raw envConfig
	if err := envdecode.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding environment configuration: %w", err)
	}

	cfg, err := resolve(&raw)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func resolve(raw *envConfig) (*Config, error) {
	idle, err := time.ParseDuration(raw.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("WORKER_IDLE_TIMEOUT: %w", err)
	}
	sessionTTL, err := time.ParseDuration(raw.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("SESSION_IDLE_TTL: %w", err)
	}
	tokenMargin, err := time.ParseDuration(raw.TokenTTLMargin)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_TTL_MARGIN: %w", err)
	}
	snapshot, err := time.ParseDuration(raw.SnapshotInterval)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_INTERVAL: %w", err)
	}

	return &Config{
		Host: raw.Host,
		Port: raw.Port,

		IdPClientID:     raw.IdPClientID,
		IdPClientSecret: raw.IdPClientSecret,
		IdPRedirectURI:  raw.IdPRedirectURI,
		IdPAuthorizeURL: raw.IdPAuthorizeURL,
		IdPTokenURL:     raw.IdPTokenURL,
		IdPRefreshURL:   raw.IdPRefreshURL,
		IdPUserInfoURL:  raw.IdPUserInfoURL,
		IdPScope:        raw.IdPScope,

		WorkerBinaryPath:  raw.WorkerBinaryPath,
		WorkerBasePort:    raw.WorkerBasePort,
		WorkerDefaultPort: raw.WorkerDefaultPort,
		PortWindow:        raw.PortWindow,
		MaxInstances:      raw.MaxInstances,
		IdleTimeout:       idle,
		MemoryCapMB:       raw.MemoryCapMB,

		MaxSessions: raw.MaxSessions,
		SessionTTL:  sessionTTL,

		RateLimitPerSession: raw.RateLimitPerSession,
		RateLimitPerIP:      raw.RateLimitPerIP,
		RateLimitBurst:      raw.RateLimitBurst,

		DataDir:        raw.DataDir,
		TokenTTLMargin: tokenMargin,

		SnapshotInterval: snapshot,
		LogLevel:         raw.LogLevel,
	}, nil
}
