// Package config loads tenantgate's environment-variable configuration
// and validates it at startup. Every field has a default except the
// three IdP fields, which are mandatory.
package config
