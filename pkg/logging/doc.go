// Package logging provides a thin, subsystem-tagged wrapper around log/slog
// for tenantgate's components. Every call site names the subsystem emitting
// the line (e.g. "WorkerSupervisor", "OAuthBroker") so operators can filter a
// single gateway process's logs by component without structured-field
// tooling.
package logging
