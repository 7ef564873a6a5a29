package api

import (
	"net/http"

	"zaki-os/pkg/agent"
)

type registerAgentRequest struct {
	Name   string `json:"name" validate:"required,max=200"`
	Host   string `json:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port   int    `json:"port" validate:"gte=0,lte=65535"`
	Status string `json:"status" validate:"omitempty,oneof=idle busy offline"`
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusOK, []agent.Agent{})
		return
	}
	agents, err := s.agents.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeError(w, http.StatusNotImplemented, "internal", "agent registry not configured")
		return
	}
	var req registerAgentRequest
	if err := s.decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := agent.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}
	a, err := s.agents.Register(r.Context(), agent.Agent{Name: req.Name, Host: req.Host, Port: req.Port, Status: st})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
