package httpapi

import (
	"errors"
	"html"
	"net/http"

	"tenantgate/internal/oauthbroker"
	"tenantgate/pkg/logging"
)

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

func renderSuccessPage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Authentication successful</title></head>
<body>
<h1>Authentication successful</h1>
<p>You can close this window and return to your client.</p>
</body>
</html>`))
}

func renderErrorPage(w http.ResponseWriter, status int, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	safe := html.EscapeString(message)
	w.Write([]byte(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Authentication failed</title></head>
<body>
<h1>Authentication failed</h1>
<p>` + safe + `</p>
</body>
</html>`))
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	url, err := s.oauth.AuthorizeURL(sessionID)
	if err != nil {
		logging.Error("HTTPSurface", err, "failed to build authorization url")
		renderErrorPage(w, http.StatusInternalServerError, "unable to start authorization")
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		renderErrorPage(w, http.StatusBadRequest, "authorization was denied: "+errParam)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		renderErrorPage(w, http.StatusBadRequest, "missing code or state parameter")
		return
	}

	sessionID, userID, err := s.oauth.HandleCallback(code, state)
	if err != nil {
		var invalidState *oauthbroker.InvalidStateError
		if errors.As(err, &invalidState) {
			renderErrorPage(w, http.StatusBadRequest, "invalid or expired state")
			return
		}
		logging.Error("HTTPSurface", err, "oauth callback failed")
		renderErrorPage(w, http.StatusBadGateway, "authorization failed, please try again")
		return
	}

	s.sessions.Bind(sessionID, userID)
	renderSuccessPage(w)
}
