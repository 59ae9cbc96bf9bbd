// Copyright 2024-2026 Aiku AI

// Package httpapi is the front-end adapter: a JSON-over-HTTP surface that
// translates requests into engine intents and renders plain result/error
// values back. It also serves the health and metrics endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/engine"
	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/store"
)

// maxBodySize bounds request bodies (64 KB).
const maxBodySize = 64 << 10

// Server routes HTTP requests to the engine.
type Server struct {
	engine *engine.Engine
	log    zerolog.Logger
	start  time.Time
}

// New creates a server for the given engine.
func New(eng *engine.Engine, log zerolog.Logger) *Server {
	return &Server{
		engine: eng,
		log:    log.With().Str("component", "httpapi").Logger(),
		start:  time.Now(),
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/input", s.handleInput)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)

	mux.HandleFunc("POST /api/tasks", s.handleAddTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("DELETE /api/tasks", s.handleRemoveTask)
	mux.HandleFunc("POST /api/tasks/filters", s.handleUpdateFilters)

	mux.HandleFunc("GET /api/chats", s.handleListChats)

	mux.HandleFunc("GET /api/allowed", s.handleListAllowed)
	mux.HandleFunc("POST /api/allowed", s.handleAddAllowed)
	mux.HandleFunc("DELETE /api/allowed", s.handleRemoveAllowed)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return mux
}

type userRequest struct {
	UserID int64 `json:"user_id"`
}

type inputRequest struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

type taskRequest struct {
	UserID  int64               `json:"user_id"`
	Label   string              `json:"label"`
	Sources []int64             `json:"sources"`
	Targets []int64             `json:"targets"`
	Filters *store.FilterConfig `json:"filters,omitempty"`
}

type filtersRequest struct {
	UserID  int64              `json:"user_id"`
	Label   string             `json:"label"`
	Filters store.FilterConfig `json:"filters"`
}

type allowRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	reply, err := s.engine.Login(r.Context(), req.UserID)
	s.writeReply(w, reply, err)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	reply, err := s.engine.HandleText(r.Context(), req.UserID, req.Text)
	s.writeReply(w, reply, err)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	reply, err := s.engine.Logout(r.Context(), req.UserID)
	s.writeReply(w, reply, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	reply, err := s.engine.CancelFlows(r.Context(), req.UserID)
	s.writeReply(w, reply, err)
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	created, err := s.engine.AddTask(r.Context(), req.UserID, req.Label, req.Sources, req.Targets, req.Filters)
	s.writeBool(w, created, err)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.queryUserID(w, r)
	if !ok {
		return
	}
	tasks, err := s.engine.ListTasks(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	removed, err := s.engine.RemoveTask(r.Context(), req.UserID, req.Label)
	s.writeBool(w, removed, err)
}

func (s *Server) handleUpdateFilters(w http.ResponseWriter, r *http.Request) {
	var req filtersRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	updated, err := s.engine.UpdateFilters(r.Context(), req.UserID, req.Label, req.Filters)
	s.writeBool(w, updated, err)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.queryUserID(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	category := r.URL.Query().Get("category")
	chats, err := s.engine.ListChats(r.Context(), userID, category, page)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleListAllowed(w http.ResponseWriter, r *http.Request) {
	adminID, ok := s.adminID(w, r)
	if !ok {
		return
	}
	entries, err := s.engine.ListAllowed(r.Context(), adminID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAddAllowed(w http.ResponseWriter, r *http.Request) {
	adminID, ok := s.adminID(w, r)
	if !ok {
		return
	}
	var req allowRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	added, err := s.engine.AddAllowed(r.Context(), adminID, req.UserID, req.Username, req.Admin)
	s.writeBool(w, added, err)
}

func (s *Server) handleRemoveAllowed(w http.ResponseWriter, r *http.Request) {
	adminID, ok := s.adminID(w, r)
	if !ok {
		return
	}
	var req allowRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	removed, err := s.engine.RemoveAllowed(r.Context(), adminID, req.UserID)
	s.writeBool(w, removed, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	stats := s.engine.Stats()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(s.start).Seconds()),
		"sessions":       stats.Sessions,
		"forwarded":      stats.Forwarded,
		"dropped":        stats.Dropped,
		"failed":         stats.Failed,
		"goroutines":     runtime.NumGoroutine(),
		"heap_bytes":     mem.HeapAlloc,
	})
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func (s *Server) queryUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id query parameter is required"})
		return 0, false
	}
	return userID, true
}

// adminID reads the acting admin from the X-Admin-ID header.
func (s *Server) adminID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	adminID, err := strconv.ParseInt(r.Header.Get("X-Admin-ID"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Admin-ID header is required"})
		return 0, false
	}
	return adminID, true
}

func (s *Server) writeReply(w http.ResponseWriter, reply string, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": reply})
}

func (s *Server) writeBool(w http.ResponseWriter, ok bool, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

// errorStatus maps engine errors to HTTP statuses: authorization errors to
// 403, flow/precondition errors to 409, malformed definitions to 400,
// everything else to 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotAllowed), errors.Is(err, engine.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotLoggedIn),
		errors.Is(err, engine.ErrAlreadyLoggedIn),
		errors.Is(err, engine.ErrNoActiveFlow):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}
