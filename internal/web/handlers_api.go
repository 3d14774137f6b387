package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

// ErrReadOnly is reported for mutating commands on a read-only server.
var ErrReadOnly = errors.New("server is read-only")

const maxCommandBody = 1 << 20

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

// Health is the /healthz payload.
type Health struct {
	OK       bool   `json:"ok"`
	ReadOnly bool   `json:"readOnly"`
	Revision uint64 `json:"revision"`
	Sources  int    `json:"sources"`
	Time     string `json:"time"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, Health{
		OK:       true,
		ReadOnly: s.cfg.ReadOnly,
		Revision: s.tracker.Revision(),
		Sources:  s.hub.Connections(),
		Time:     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	var req tracker.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err := dec.Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return
	}
	if s.cfg.ReadOnly && tracker.IsMutating(req.Action) {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", ErrReadOnly.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.runCommand(r.Context(), req))
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.AllTabTrees())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
