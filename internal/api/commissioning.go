package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleListRuns returns the kept runs, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs := s.runner.Runs()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
		"busy":  s.runner.Busy(),
	})
}

// handleGetRun returns one run. Clients poll this after an assign.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeCommissioningError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
