package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/knxmgmt/internal/audit"
	"github.com/nerrad567/knxmgmt/internal/commissioning"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// groupWriteRequest is the body of POST /groups/{main}/{middle}/{sub}/write.
type groupWriteRequest struct {
	Data  string `json:"data"`
	Small bool   `json:"small"`
}

// groupAddress parses the three-level path parameters.
func groupAddress(w http.ResponseWriter, r *http.Request) (telegram.GroupAddress, bool) {
	raw := fmt.Sprintf("%s/%s/%s", chi.URLParam(r, "main"), chi.URLParam(r, "middle"), chi.URLParam(r, "sub"))
	ga, err := telegram.ParseGroupAddress(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return telegram.GroupAddress{}, false
	}
	return ga, true
}

func (s *Server) handleGroupWrite(w http.ResponseWriter, r *http.Request) {
	ga, ok := groupAddress(w, r)
	if !ok {
		return
	}

	var body groupWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	data, err := hex.DecodeString(body.Data)
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "data must be a non-empty hex string")
		return
	}

	err = s.runner.WriteGroup(r.Context(), commissioning.GroupWrite{
		Address: ga,
		Data:    data,
		Small:   body.Small,
		Source:  audit.SourceAPI,
		UserID:  userFromContext(r.Context()),
	})
	if err != nil {
		s.writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"group_address": ga.String(),
		"data":          hex.EncodeToString(data),
		"small":         body.Small,
	})
}

// handleGroupRead sends a GroupValue_Read. The answer arrives on the
// group.telegram WebSocket channel and the MQTT group topic.
func (s *Server) handleGroupRead(w http.ResponseWriter, r *http.Request) {
	ga, ok := groupAddress(w, r)
	if !ok {
		return
	}
	if err := s.runner.ReadGroup(r.Context(), ga); err != nil {
		s.writeGroupError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"group_address": ga.String()})
}

// writeGroupError reports link failures as 502; validation is handled
// like any commissioning error.
func (s *Server) writeGroupError(w http.ResponseWriter, err error) {
	if isCommissioningError(err) {
		s.writeCommissioningError(w, err)
		return
	}
	s.logger.Warn("group telegram failed", "error", err)
	writeError(w, http.StatusBadGateway, ErrCodeBusError, err.Error())
}
