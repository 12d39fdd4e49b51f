package sse

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate/internal/oauthbroker"
	"tenantgate/internal/router"
	"tenantgate/internal/session"
	"tenantgate/internal/tokenstore"
	"tenantgate/internal/worker"
)

func newTestHandler(t *testing.T) (*Handler, *session.Registry) {
	t.Helper()

	sup := worker.New(worker.Config{BinaryPath: "/nonexistent", BasePort: 1, DefaultPort: 2, PortWindow: 1, MaxInstances: 1})
	sessions := session.New(10, time.Hour)
	rtr := router.New(sessions, sup)

	store, err := tokenstore.New(t.TempDir())
	require.NoError(t, err)
	oauth := oauthbroker.New(oauthbroker.Config{
		AuthorizeURL: "https://idp.example.com/authorize",
		TokenURL:     "https://idp.example.com/access_token",
		RefreshURL:   "https://idp.example.com/refresh_access_token",
		UserInfoURL:  "https://idp.example.com/user_info",
		ClientID:     "client-id",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost/oauth/callback",
		Scope:        "openid",
	}, store)
	t.Cleanup(oauth.Stop)

	return New(sessions, rtr, oauth, "http://localhost"), sessions
}

func TestHandler_UnauthenticatedBootstrap(t *testing.T) {
	h, _ := newTestHandler(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, body, "event: metadata")
	assert.Contains(t, body, "event: capabilities")
	assert.Contains(t, body, `"authenticated":false`)
	assert.Contains(t, body, "oauth_url")
}

func TestHandler_ReusesSuppliedSessionID(t *testing.T) {
	h, sessions := newTestHandler(t)
	sessions.Bind("known-session", "user-1")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/sse?sessionId=known-session", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `"session_id":"known-session"`))
	assert.Contains(t, body, `"authenticated":true`)
}
