package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
)

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unable to read request body", http.StatusBadRequest)
		return
	}

	resp := s.router.Route(r.Context(), sessionID, body)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.router.BootstrapTools(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"tools": tools})
}
