package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"IDP_CLIENT_ID":     "client-id",
		"IDP_CLIENT_SECRET": "client-secret",
		"IDP_REDIRECT_URI":  "http://localhost:8080/oauth/callback",
	}
	for k, v := range vars {
		require.NoError(t, os.Setenv(k, v))
		t.Cleanup(func(k string) func() { return func() { os.Unsetenv(k) } }(k))
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 20, cfg.MaxInstances)
	assert.Equal(t, 1000, cfg.MaxSessions)
}

func TestLoad_MissingIdPCredentialsFails(t *testing.T) {
	os.Unsetenv("IDP_CLIENT_ID")
	os.Unsetenv("IDP_CLIENT_SECRET")
	os.Unsetenv("IDP_REDIRECT_URI")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_BadDurationStringFails(t *testing.T) {
	setRequiredEnv(t)
	require.NoError(t, os.Setenv("WORKER_IDLE_TIMEOUT", "not-a-duration"))
	t.Cleanup(func() { os.Unsetenv("WORKER_IDLE_TIMEOUT") })

	_, err := Load()
	require.Error(t, err)
}
