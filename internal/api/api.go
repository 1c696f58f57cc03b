package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/joescharf/agentd/internal/events"
	"github.com/joescharf/agentd/internal/models"
	"github.com/joescharf/agentd/internal/orchestrator"
	"github.com/joescharf/agentd/internal/store"
)

const (
	defaultListLimit   = 50
	defaultKeepAlive   = 15 * time.Second
	maxRequestBodySize = 1 << 20
)

// Server provides the REST API handlers.
type Server struct {
	orch  *orchestrator.Manager
	store store.Store
	bus   *events.Bus
	log   *slog.Logger

	// KeepAlive is the interval between SSE comment pings.
	KeepAlive time.Duration
}

// NewServer creates a new API server.
func NewServer(orch *orchestrator.Manager, s store.Store, bus *events.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		orch:      orch,
		store:     s,
		bus:       bus,
		log:       log.With("component", "api"),
		KeepAlive: defaultKeepAlive,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.health)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.sendMessage)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.streamEvents)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.cancelSession)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps orchestrator and store errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrValidation),
		errors.Is(err, orchestrator.ErrUnknownEnvironment):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionBusy),
		errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrRunStart):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"running":        s.orch.Running(),
		"max_concurrent": s.orch.MaxConcurrent(),
	})
}

// --- Sessions ---

type sessionDetailResponse struct {
	*models.Session
	Messages []*models.Message `json:"messages"`
	Live     bool              `json:"live"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	statusFilter := models.SessionStatus(r.URL.Query().Get("status"))
	if statusFilter != "" && !statusFilter.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), store.SessionListFilter{Status: statusFilter, Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, sessionDetailResponse{
		Session:  sess,
		Messages: msgs,
		Live:     s.orch.IsRunning(id),
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.orch.CreateSession(r.Context(), req)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("create session", "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type messageRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.orch.SendMessage(r.Context(), id, req.Prompt); err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("send message", "session_id", id, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     string(models.SessionStatusRunning),
	})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": id,
		"status":     string(models.SessionStatusCancelled),
	})
}
