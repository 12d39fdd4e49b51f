package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8080,
		IdPClientID:       "client-id",
		IdPClientSecret:   "client-secret",
		IdPRedirectURI:    "http://localhost:8080/oauth/callback",
		WorkerBasePort:    9000,
		WorkerDefaultPort: 8999,
		PortWindow:        1000,
		MaxInstances:      20,
		IdleTimeout:       30 * time.Minute,
		MaxSessions:       1000,
		SessionTTL:        24 * time.Hour,
		DataDir:           "/var/lib/tenantgate",
	}
}

func TestValidate_Valid(t *testing.T) {
	err := Validate(validConfig())
	require.NoError(t, err)
}

func TestValidate_MissingIdPCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.IdPClientID = ""
	cfg.IdPClientSecret = ""

	err := Validate(cfg)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
}

func TestValidate_RedirectURIMustBeHTTP(t *testing.T) {
	cfg := validConfig()
	cfg.IdPRedirectURI = "ftp://example.com/callback"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDP_REDIRECT_URI")
}

func TestValidate_WorkerPortsMustDifferFromGatewayPort(t *testing.T) {
	cfg := validConfig()
	cfg.WorkerBasePort = cfg.Port

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_BASE_PORT")
}

func TestValidate_DefaultPortInsideWindow(t *testing.T) {
	cfg := validConfig()
	cfg.WorkerBasePort = 9000
	cfg.PortWindow = 1000
	cfg.WorkerDefaultPort = 9500

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not fall inside")
}
