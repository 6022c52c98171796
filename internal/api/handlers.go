package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-dap"

	"github.com/ternarybob/launchpad/internal/action"
	"github.com/ternarybob/launchpad/internal/project"
	"github.com/ternarybob/launchpad/pkg/debug"
	"github.com/ternarybob/launchpad/pkg/session"
	"github.com/ternarybob/launchpad/pkg/status"
)

// version is set via -ldflags at build time
var version = "dev"

// SetVersion sets the version string (called from main).
func SetVersion(v string) {
	version = v
}

// Response types

// HealthResponse is the response for /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// VersionResponse is the response for /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ProjectResponse represents a project in API responses.
type ProjectResponse struct {
	ID           string `json:"id"`
	Path         string `json:"path"`
	Name         string `json:"name"`
	Scheme       string `json:"scheme,omitempty"`
	Device       string `json:"device,omitempty"`
	Watching     bool   `json:"watching"`
	RegisteredAt string `json:"registered_at"`
}

// RegisterProjectRequest is the request body for registering a project.
type RegisterProjectRequest struct {
	Path string `json:"path"`
}

// SessionResponse wraps a session view with its transitions.
type SessionResponse struct {
	action.Info
	Transitions []debug.Transition `json:"transitions,omitempty"`
}

// EventRequest is the envelope of POST /sessions/{id}/events. Types other
// than "stop" and "output" are decoded as debug adapter protocol messages.
type EventRequest struct {
	Type     string `json:"type"`
	Category string `json:"category,omitempty"`
	Output   string `json:"output,omitempty"`
}

// LogResponse holds the tail of a session log.
type LogResponse struct {
	Lines []string `json:"lines"`
}

const maxEventBytes = 1 << 20

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: version,
		Service: "launchpad",
	})
}

func (s *Server) projectResponse(p *project.Project) ProjectResponse {
	pr := ProjectResponse{
		ID:           p.ID,
		Path:         p.Path,
		Name:         p.Name,
		Watching:     s.projects.Watching(p.ID),
		RegisteredAt: p.RegisteredAt.Format("2006-01-02T15:04:05Z"),
	}
	if settings, err := s.projects.Settings(p.ID); err == nil {
		pr.Scheme = settings.Scheme()
		pr.Device = settings.Device().String()
	}
	return pr
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.projects.List()
	response := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		response = append(response, s.projectResponse(p))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var req RegisterProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "Path is required")
		return
	}

	p, err := s.projects.RegisterProject(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, s.projectResponse(p))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Project not found")
		return
	}
	writeJSON(w, http.StatusOK, s.projectResponse(p))
}

func (s *Server) handleUnregisterProject(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.UnregisterProject(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.actions.List())
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req action.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Workspace == "" {
		writeError(w, http.StatusBadRequest, "Workspace is required")
		return
	}

	sess, err := s.actions.Start(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, _ := s.actions.Info(sess.ID)
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*action.Session, bool) {
	sess, err := s.actions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	info, _ := s.actions.Info(sess.ID)
	writeJSON(w, http.StatusOK, SessionResponse{
		Info:        info,
		Transitions: sess.Machine().History(),
	})
}

// handleDeleteSession cancels a running session, or forgets a stopped one.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	select {
	case <-sess.Done():
		if err := s.actions.Forget(sess.ID); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		if err := s.actions.Cancel(sess.ID); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleSessionEvent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ev, err := decodeEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.actions.Dispatch(sess.ID, ev); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func decodeEvent(body []byte) (debug.Event, error) {
	var env EventRequest
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.New("invalid event: " + err.Error())
	}

	switch env.Type {
	case "stop":
		return debug.StopRequested{}, nil
	case "output":
		return debug.Output{Category: env.Category, Text: env.Output}, nil
	}

	msg, err := dap.DecodeProtocolMessage(body)
	if err != nil {
		return nil, errors.New("invalid protocol message: " + err.Error())
	}
	return debug.Message{Msg: msg}, nil
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	history := s.actions.Tracker().History(sess.ID)
	if history == nil {
		history = []status.Update{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid tail")
			return
		}
		tail = n
	}

	lines, err := session.ReadLog(s.cfg.SessionsDir(), sess.ID, tail)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusOK, LogResponse{Lines: []string{}})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, LogResponse{Lines: lines})
}

// handleSessionOutbound drains the protocol messages the session queued
// for the debugger.
func (s *Server) handleSessionOutbound(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	msgs := sess.DrainOutbound()
	if msgs == nil {
		msgs = []dap.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
