package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/engine"
	"github.com/petal-labs/toolcatalog/status"
)

// --- Request/Response types ---

// RunRequest is the body of POST /api/tools/{tool_id}/run.
type RunRequest struct {
	Args      []string `json:"args,omitempty"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
}

// RefreshResponse wraps the snapshot with the validation failure, if any.
type RefreshResponse struct {
	Snapshot engine.Snapshot `json:"snapshot"`
	Error    *apiErrorBody   `json:"error,omitempty"`
}

// AcknowledgeResponse reports the state a tool settled in.
type AcknowledgeResponse struct {
	ToolID string       `json:"toolId"`
	State  status.State `json:"state"`
}

// OutputResponse lists the captured output of a tool.
type OutputResponse struct {
	ToolID string        `json:"toolId"`
	Lines  []status.Line `json:"lines"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Snapshot())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.catalog.Refresh(r.Context())
	if err != nil {
		httpStatus := statusForError(err)
		s.logger.Warn("catalog refresh rejected", "error", err)
		body := errorBody(err)
		writeJSON(w, httpStatus, RefreshResponse{Snapshot: snap, Error: &body})
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{Snapshot: snap})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("tool_id")
	view, ok := s.catalog.Snapshot().Tool(id)
	if !ok {
		writeError(w, http.StatusNotFound, catalog.CodeToolNotFound, "tool "+id+" is not in the catalog")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("tool_id")

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid run request: "+err.Error())
		return
	}
	if req.TimeoutMS < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "timeout_ms must not be negative")
		return
	}

	var opts []engine.RunOption
	if req.TimeoutMS > 0 {
		opts = append(opts, engine.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}

	// The session outlives the request; only the download and launch are
	// bound to the caller.
	info, err := s.catalog.Run(r.Context(), id, req.Args, opts...)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	s.logger.Info("session started", "tool_id", id, "session_id", info.SessionID)
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res, err := s.catalog.Cancel(r.Context(), r.PathValue("tool_id"))
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("tool_id")
	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid wait parameter")
			return
		}
		wait = parsed
	}

	if !wait {
		view, ok := s.catalog.Snapshot().Tool(id)
		if !ok {
			writeError(w, http.StatusNotFound, catalog.CodeToolNotFound, "tool "+id+" is not in the catalog")
			return
		}
		if view.LastResult == nil {
			writeError(w, http.StatusNotFound, catalog.CodeNotRunning, "tool "+id+" has no result")
			return
		}
		writeJSON(w, http.StatusOK, view.LastResult)
		return
	}

	res, err := s.catalog.Wait(r.Context(), id)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("tool_id")
	state, err := s.catalog.AcknowledgeResult(id)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AcknowledgeResponse{ToolID: id, State: state})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("tool_id")
	lines := s.catalog.Output(id)
	if lines == nil {
		lines = []status.Line{}
	}
	writeJSON(w, http.StatusOK, OutputResponse{ToolID: id, Lines: lines})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "EVENTS_DISABLED", "event streaming is not configured")
		return
	}
	s.events.ServeHTTP(w, r)
}

// --- Error mapping ---

func (s *Server) writeCatalogError(w http.ResponseWriter, err error) {
	httpStatus := statusForError(err)
	if httpStatus >= http.StatusInternalServerError {
		s.logger.Error("catalog request failed", "error", err)
	}
	writeJSON(w, httpStatus, apiError{Error: errorBody(err)})
}

func errorBody(err error) apiErrorBody {
	if catErr, ok := catalog.As(err); ok {
		return apiErrorBody{Code: catErr.Code, Message: catErr.Message}
	}
	return apiErrorBody{Code: catalog.CodeInternal, Message: err.Error()}
}

func statusForError(err error) int {
	switch catalog.CodeOf(err) {
	case catalog.CodeToolNotFound:
		return http.StatusNotFound
	case catalog.CodeToolBusy, catalog.CodeNotRunning, catalog.CodeCancelled, catalog.CodeIllegalTransition:
		return http.StatusConflict
	case catalog.CodeOffline:
		return http.StatusServiceUnavailable
	case catalog.CodeNetwork:
		return http.StatusBadGateway
	case catalog.CodeValidation:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
