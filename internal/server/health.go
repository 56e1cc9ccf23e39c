package server

import "net/http"

var okBody = []byte(`{"status":"ok"}`)

// handleHealthz is a liveness probe: the process is up and serving.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeRawJSON(w, http.StatusOK, okBody)
}

// handleReadyz is a readiness probe: dependencies answer.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeRawJSON(w, http.StatusOK, okBody)
}
