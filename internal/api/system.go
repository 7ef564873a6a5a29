package api

import (
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.d.Counts(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	resp := map[string]any{
		"tasks":     total,
		"by_status": counts,
	}
	if s.agents != nil {
		agents, err := s.agents.List(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp["agents"] = len(agents)
	}
	writeJSON(w, http.StatusOK, resp)
}
