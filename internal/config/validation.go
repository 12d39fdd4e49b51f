package config

import "strings"

// ValidationError reports a single invalid configuration field. Startup
// collects every failure before exiting so operators fix
// their environment in one pass rather than one failure at a time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// ValidationErrors is a non-empty collection of ValidationError.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return "invalid configuration:\n  " + strings.Join(parts, "\n  ")
}

// Validate enforces the startup invariants: the IdP client id and secret
// must be present, the redirect URI must look like an HTTP(S) URL, and the
// worker base/default ports must not collide with the gateway's own listen
// port.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	if cfg.IdPClientID == "" {
		errs = append(errs, &ValidationError{"IDP_CLIENT_ID", "is required"})
	}
	if cfg.IdPClientSecret == "" {
		errs = append(errs, &ValidationError{"IDP_CLIENT_SECRET", "is required"})
	}
	if cfg.IdPRedirectURI == "" {
		errs = append(errs, &ValidationError{"IDP_REDIRECT_URI", "is required"})
	} else if !strings.HasPrefix(cfg.IdPRedirectURI, "http") {
		errs = append(errs, &ValidationError{"IDP_REDIRECT_URI", "must begin with http"})
	}

	if cfg.WorkerBasePort == cfg.Port {
		errs = append(errs, &ValidationError{"WORKER_BASE_PORT", "must differ from GATEWAY_PORT"})
	}
	if cfg.WorkerDefaultPort == cfg.Port {
		errs = append(errs, &ValidationError{"WORKER_DEFAULT_PORT", "must differ from GATEWAY_PORT"})
	}
	if cfg.WorkerDefaultPort >= cfg.WorkerBasePort && cfg.WorkerDefaultPort < cfg.WorkerBasePort+cfg.PortWindow {
		errs = append(errs, &ValidationError{"WORKER_DEFAULT_PORT", "must not fall inside the user-worker port window"})
	}

	if cfg.MaxInstances <= 0 {
		errs = append(errs, &ValidationError{"WORKER_MAX_INSTANCES", "must be positive"})
	}
	if cfg.PortWindow <= 0 {
		errs = append(errs, &ValidationError{"WORKER_PORT_WINDOW", "must be positive"})
	}
	if cfg.MaxSessions <= 0 {
		errs = append(errs, &ValidationError{"MAX_SESSIONS", "must be positive"})
	}
	if cfg.DataDir == "" {
		errs = append(errs, &ValidationError{"DATA_DIR", "is required"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
