package api

import (
	"net/http"
	"strconv"
)

const (
	defaultSeenLimit = 100
	maxSeenLimit     = 1000
)

// seenLimit parses ?limit=, writing a 400 on failure.
func seenLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultSeenLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxSeenLimit {
		writeBadRequest(w, "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}

// handleSeenDevices lists individual addresses that sent group telegrams,
// most recent first.
func (s *Server) handleSeenDevices(w http.ResponseWriter, r *http.Request) {
	if s.seen == nil {
		writeUnavailable(w, "bus monitor not configured")
		return
	}
	limit, ok := seenLimit(w, r)
	if !ok {
		return
	}

	devices, err := s.seen.SeenDevices(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list seen devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleSeenGroups lists group addresses with traffic. Addresses that
// answered a GroupValue_Read come first.
func (s *Server) handleSeenGroups(w http.ResponseWriter, r *http.Request) {
	if s.seen == nil {
		writeUnavailable(w, "bus monitor not configured")
		return
	}
	limit, ok := seenLimit(w, r)
	if !ok {
		return
	}

	groups, err := s.seen.SeenGroupAddresses(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list seen group addresses", "error", err)
		writeInternalError(w, "failed to list group addresses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups, "count": len(groups)})
}
