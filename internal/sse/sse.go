// Package sse implements the Event-Stream Endpoint (C7): a hand-written
// text/event-stream handler. No example in the retrieved corpus hand-rolls
// SSE framing directly against net/http — the nearest relative delegates to
// a full MCP SSE server package — so this component is built directly
// against net/http.Flusher per spec, documented as a stdlib exception in
// DESIGN.md.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"tenantgate/internal/oauthbroker"
	"tenantgate/internal/router"
	"tenantgate/internal/session"
	"tenantgate/pkg/logging"
)

const subsystem = "EventStream"

const (
	bootstrapSoftTimeout = 3 * time.Second
	keepaliveInterval    = 30 * time.Second
)

// Handler serves GET /sse.
type Handler struct {
	sessions *session.Registry
	router   *router.Router
	oauth    *oauthbroker.Broker
	baseURL  string
}

// New constructs a Handler. baseURL is the externally reachable prefix used
// to build the JSON-RPC reply endpoint advertised in the metadata event
// (e.g. "http://gateway.example.com").
func New(sessions *session.Registry, rtr *router.Router, oauth *oauthbroker.Broker, baseURL string) *Handler {
	return &Handler{sessions: sessions, router: rtr, oauth: oauth, baseURL: baseURL}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		var err error
		sessionID, err = session.NewSessionID()
		if err != nil {
			http.Error(w, "failed to allocate session", http.StatusInternalServerError)
			return
		}
	}
	h.sessions.Touch(sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()

	tools := []mcp.Tool{}
	if v := h.withSoftTimeout(ctx, func(c context.Context) any {
		return h.router.BootstrapTools(c)
	}); v != nil {
		tools = v.([]mcp.Tool)
	}

	capabilities := map[string]any{}
	if v := h.withSoftTimeout(ctx, func(c context.Context) any {
		return h.router.BootstrapCapabilities(c)
	}); v != nil {
		capabilities = v.(map[string]any)
	}

	userID, authenticated := h.sessions.UserOf(sessionID)
	_ = userID

	metadata := map[string]any{
		"endpoint":       fmt.Sprintf("%s/messages?sessionId=%s", h.baseURL, sessionID),
		"session_id":     sessionID,
		"authenticated":  authenticated,
		"tools":          tools,
	}
	if !authenticated {
		if url, err := h.oauth.AuthorizeURL(sessionID); err == nil {
			metadata["oauth_url"] = url
		} else {
			logging.Warn(subsystem, "failed to build authorization url for session %s: %v", logging.TruncateSessionID(sessionID), err)
		}
	}

	if !writeEvent(w, "metadata", metadata) {
		return
	}
	flusher.Flush()

	if !writeEvent(w, "capabilities", capabilities) {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// withSoftTimeout runs fn with a bounded context, returning nil if it
// doesn't complete in time.
func (h *Handler) withSoftTimeout(parent context.Context, fn func(context.Context) any) any {
	ctx, cancel := context.WithTimeout(parent, bootstrapSoftTimeout)
	defer cancel()

	result := make(chan any, 1)
	go func() { result <- fn(ctx) }()

	select {
	case v := <-result:
		return v
	case <-ctx.Done():
		return nil
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err == nil
}
