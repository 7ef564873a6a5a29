package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"zaki-os/pkg/dispatch"
)

// heartbeatEvery bounds how long an idle event stream stays silent.
const heartbeatEvery = 15 * time.Second

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// handleEventStream relays committed task events from the bus.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	bus := s.d.Bus()
	if bus == nil {
		writeError(w, http.StatusNotImplemented, "internal", "event bus not configured")
		return
	}
	// Subscribe before the headers go out so nothing committed after the
	// client sees 200 is missed.
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	flusher, ok := startStream(w)
	if !ok {
		return
	}

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\n", e.Type)
			writeSSEData(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleTaskLogStream sends the task's log lines after ?after= and then
// every new line as it is written. Bus events for the task or its children
// trigger a re-read; the ticker covers writes from other server processes.
func (s *Server) handleTaskLogStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	after, err := queryInt64(r, "after")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var wake chan dispatch.Event
	if bus := s.d.Bus(); bus != nil {
		wake = bus.Subscribe()
		defer bus.Unsubscribe(wake)
	}

	pending, err := s.d.Logs(ctx, id, after)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	flusher, ok := startStream(w)
	if !ok {
		return
	}

	ticker := time.NewTicker(s.streamPoll)
	defer ticker.Stop()

	for {
		for i := range pending {
			fmt.Fprintf(w, "id: %d\n", pending[i].Seq)
			writeSSEData(w, pending[i])
			after = pending[i].Seq
		}
		if len(pending) > 0 {
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			return
		case e, ok := <-wake:
			if !ok {
				return
			}
			if !touches(e, id) {
				pending = nil
				continue
			}
		case <-ticker.C:
		}

		pending, err = s.d.Logs(ctx, id, after)
		if err != nil {
			s.log.Warn("log stream poll", "task_id", id, "error", err)
			pending = nil
		}
	}
}

// touches reports whether e may have appended to id's log.
func touches(e dispatch.Event, id string) bool {
	if e.TaskID == id {
		return true
	}
	return e.Task != nil && e.Task.ParentTaskID != nil && *e.Task.ParentTaskID == id
}

func writeSSEData(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}
