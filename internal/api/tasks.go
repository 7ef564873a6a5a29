package api

import (
	"net/http"
	"strconv"

	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
)

type createTaskRequest struct {
	Title         string   `json:"title" validate:"required,max=500"`
	Prompt        string   `json:"prompt"`
	AssignedAgent string   `json:"assigned_agent" validate:"max=200"`
	ParentTaskID  string   `json:"parent_task_id"`
	DependencyIDs []string `json:"dependency_ids" validate:"omitempty,dive,required"`
}

type updateTaskRequest struct {
	Status string `json:"status" validate:"required"`
}

// transitionRequest is the optional body of the named transition endpoints.
type transitionRequest struct {
	Plan    string `json:"plan"`
	Summary string `json:"summary"`
	Reason  string `json:"reason"`
}

type subtaskRequest struct {
	Title         string `json:"title" validate:"required,max=500"`
	Prompt        string `json:"prompt"`
	AssignedAgent string `json:"assigned_agent" validate:"max=200"`
}

type logRequest struct {
	Level   string `json:"level" validate:"omitempty,oneof=DEBUG INFO WARNING ERROR"`
	Message string `json:"message" validate:"required"`
}

type claimRequest struct {
	Agent string `json:"agent" validate:"required,max=200"`
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{
		Agent:    q.Get("agent"),
		ParentID: q.Get("parent"),
		Limit:    queryInt(r, "limit", task.DefaultListLimit),
	}
	if raw := q.Get("status"); raw != "" {
		st, err := task.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid", err.Error())
			return
		}
		f.Status = st
	}
	tasks, err := s.d.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.d.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := s.decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.d.Create(r.Context(), dispatch.CreateRequest{
		Title:         req.Title,
		Prompt:        req.Prompt,
		AssignedAgent: req.AssignedAgent,
		ParentTaskID:  req.ParentTaskID,
		DependencyIDs: req.DependencyIDs,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := s.decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := task.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	t, err := s.d.Transition(r.Context(), r.PathValue("id"), to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskPromote(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r)(s.d.Promote(r.Context(), r.PathValue("id")))
}

func (s *Server) handleTaskApprove(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r)(s.d.Approve(r.Context(), r.PathValue("id")))
}

func (s *Server) handleTaskRequestApproval(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := s.decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r)(s.d.RequestApproval(r.Context(), r.PathValue("id"), req.Plan))
}

func (s *Server) handleTaskReject(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := s.decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r)(s.d.Reject(r.Context(), r.PathValue("id"), req.Reason))
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := s.decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r)(s.d.Complete(r.Context(), r.PathValue("id"), req.Summary))
}

func (s *Server) handleTaskFail(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := s.decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r)(s.d.Fail(r.Context(), r.PathValue("id"), req.Reason))
}

// respond writes the outcome of a transition.
func (s *Server) respond(w http.ResponseWriter, r *http.Request) func(*task.Task, error) {
	return func(t *task.Task, err error) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) handleSubtaskDispatch(w http.ResponseWriter, r *http.Request) {
	var req subtaskRequest
	if err := s.decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.d.DispatchSubtask(r.Context(), r.PathValue("id"), req.Title, req.Prompt, req.AssignedAgent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleSubtaskStatus(w http.ResponseWriter, r *http.Request) {
	states, err := s.d.SubtaskStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subtasks":  states,
		"aggregate": dispatch.Summarize(states),
	})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt64(r, "after")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logs, err := s.d.Logs(r.Context(), r.PathValue("id"), after)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleTaskLogAppend(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := s.decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	level := task.Level(req.Level)
	if level == "" {
		level = task.LevelInfo
	}
	e, err := s.d.Log(r.Context(), r.PathValue("id"), level, req.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.d.ClaimNext(r.Context(), req.Agent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryInt64 parses an optional non-negative integer parameter.
func queryInt64(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errBadRequestf("%s must be a non-negative integer", key)
	}
	return n, nil
}
