package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/knxmgmt/internal/audit"
	"github.com/nerrad567/knxmgmt/internal/commissioning"
	"github.com/nerrad567/knxmgmt/internal/knx/prog"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// memoryBitRequest is the body of POST /devices/{address}/memory-bit.
type memoryBitRequest struct {
	Mode string `json:"mode"`
}

// deviceAddress parses the {address} path parameter, writing a 400 on
// failure.
func deviceAddress(w http.ResponseWriter, r *http.Request) (telegram.IndividualAddress, bool) {
	addr, err := telegram.ParseIndividualAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return telegram.IndividualAddress{}, false
	}
	return addr, true
}

func (s *Server) newRequest(r *http.Request, action commissioning.Action, addr telegram.IndividualAddress) commissioning.Request {
	return commissioning.Request{
		Action:  action,
		Address: addr,
		Source:  audit.SourceAPI,
		UserID:  userFromContext(r.Context()),
	}
}

// handleProbe connects to the device and reports whether it answered.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	addr, ok := deviceAddress(w, r)
	if !ok {
		return
	}
	s.runSync(w, r, s.newRequest(r, commissioning.ActionProbe, addr))
}

// handleAssign starts an address assignment. It waits for a programming
// button press, so the run continues in the background: 202 with the run.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	addr, ok := deviceAddress(w, r)
	if !ok {
		return
	}
	run, err := s.runner.Start(s.newRequest(r, commissioning.ActionAssignAddress, addr))
	if err != nil {
		s.writeCommissioningError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleMemoryBit(w http.ResponseWriter, r *http.Request) {
	addr, ok := deviceAddress(w, r)
	if !ok {
		return
	}

	var body memoryBitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	mode, err := prog.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, `mode must be "on" or "off"`)
		return
	}

	req := s.newRequest(r, commissioning.ActionMemoryBit, addr)
	req.Mode = mode
	s.runSync(w, r, req)
}

// handleReadMemory reads count bytes at offset. Both accept decimal or
// 0x-prefixed hex.
func (s *Server) handleReadMemory(w http.ResponseWriter, r *http.Request) {
	addr, ok := deviceAddress(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var offset uint64
	if v := q.Get("offset"); v != "" {
		var err error
		if offset, err = strconv.ParseUint(v, 0, 16); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "offset must be 0..65535")
			return
		}
	}
	count, err := strconv.ParseUint(q.Get("count"), 0, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("count must be 1..%d", commissioning.MaxReadCount))
		return
	}

	req := s.newRequest(r, commissioning.ActionReadMemory, addr)
	req.Offset = uint16(offset)
	req.Count = uint8(count)
	s.runSync(w, r, req)
}

// runSync executes req within the request and writes the finished run.
// A procedure that failed still answers 200; the run carries the error.
func (s *Server) runSync(w http.ResponseWriter, r *http.Request, req commissioning.Request) {
	run, err := s.runner.Run(r.Context(), req)
	if err != nil {
		s.writeCommissioningError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
