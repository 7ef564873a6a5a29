package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"zaki-os/internal/logging"
	"zaki-os/pkg/agent"
	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
)

// Server is the HTTP API server.
type Server struct {
	d        *dispatch.Dispatcher
	agents   agent.Store
	log      *slog.Logger
	validate *validator.Validate
	mux      *http.ServeMux

	// streamPoll is the fallback interval at which SSE handlers re-read
	// the store when no bus event arrives.
	streamPoll time.Duration
}

// New creates a new Server.
func New(d *dispatch.Dispatcher, logger *slog.Logger) *Server {
	s := &Server{
		d:          d,
		agents:     d.Agents(),
		log:        logging.Component(logger, "api"),
		validate:   validator.New(),
		mux:        http.NewServeMux(),
		streamPoll: 2 * time.Second,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /api/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("PATCH /api/tasks/{id}", s.handleTaskUpdate)
	s.mux.HandleFunc("POST /api/tasks/{id}/promote", s.handleTaskPromote)
	s.mux.HandleFunc("POST /api/tasks/{id}/request-approval", s.handleTaskRequestApproval)
	s.mux.HandleFunc("POST /api/tasks/{id}/approve", s.handleTaskApprove)
	s.mux.HandleFunc("POST /api/tasks/{id}/reject", s.handleTaskReject)
	s.mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleTaskComplete)
	s.mux.HandleFunc("POST /api/tasks/{id}/fail", s.handleTaskFail)
	s.mux.HandleFunc("POST /api/tasks/{id}/subtasks", s.handleSubtaskDispatch)
	s.mux.HandleFunc("GET /api/tasks/{id}/subtasks_status", s.handleSubtaskStatus)
	s.mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleTaskLogs)
	s.mux.HandleFunc("POST /api/tasks/{id}/logs", s.handleTaskLogAppend)
	s.mux.HandleFunc("GET /api/tasks/{id}/logs/stream", s.handleTaskLogStream)

	// Claims
	s.mux.HandleFunc("POST /api/claim", s.handleClaim)

	// Agents
	s.mux.HandleFunc("GET /api/agents", s.handleAgentList)
	s.mux.HandleFunc("POST /api/agents", s.handleAgentRegister)

	// Events
	s.mux.HandleFunc("GET /api/events/stream", s.handleEventStream)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write json", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}

// errBadRequest marks malformed or invalid request bodies.
var errBadRequest = errors.New("bad request")

// fail maps err onto an HTTP status. Only infrastructure failures are
// logged; domain errors are the caller's problem.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeError(w, status, kind, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, dispatch.ErrInvalid):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, agent.ErrUnknownAgent):
		return http.StatusBadRequest, "unknown_agent"
	case errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound, "not_found"
	}

	kind := task.Kind(err)
	switch kind {
	case "not_found", "parent_not_found":
		return http.StatusNotFound, kind
	case "dependency_not_found", "not_pending_approval":
		return http.StatusBadRequest, kind
	case "illegal_transition", "concurrent_claim_lost", "concurrent_update":
		return http.StatusConflict, kind
	case "store_unavailable":
		return http.StatusServiceUnavailable, kind
	}
	return http.StatusInternalServerError, kind
}

// decode reads a JSON body into v and validates it. An empty body is
// accepted when optional is true.
func (s *Server) decode(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case errors.Is(err, io.EOF) && optional:
	case err != nil:
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.ToLower(e.Field()), e.Tag()))
		}
		return fmt.Errorf("%w: %s", errBadRequest, strings.Join(msgs, "; "))
	}
	return nil
}

func errBadRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}
