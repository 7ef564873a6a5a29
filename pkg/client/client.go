// Package client is a typed HTTP client for the task API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"zaki-os/pkg/agent"
	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
)

// Client talks to a zaki-os server.
type Client struct {
	base string
	http *http.Client
}

// New creates a Client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response. It unwraps to the matching sentinel so
// callers can use errors.Is the same way they would in-process.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case "not_found":
		return task.ErrNotFound
	case "parent_not_found":
		return task.ErrParentNotFound
	case "dependency_not_found":
		return task.ErrDependencyNotFound
	case "illegal_transition":
		return task.ErrIllegalTransition
	case "not_pending_approval":
		return task.ErrNotPendingApproval
	case "concurrent_claim_lost":
		return task.ErrConcurrentClaimLost
	case "concurrent_update":
		return task.ErrConcurrentUpdate
	case "store_unavailable":
		return task.ErrStoreUnavailable
	case "unknown_agent":
		return agent.ErrUnknownAgent
	case "invalid":
		return dispatch.ErrInvalid
	}
	return nil
}

// do sends body as JSON and decodes the response into out. It reports
// whether the server answered 204.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w: %w", method, path, task.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return true, nil
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return false, fmt.Errorf("%s %s: %w", method, path, &APIError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error})
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return false, nil
}

func (c *Client) taskCall(ctx context.Context, method, path string, body any) (*task.Task, error) {
	var t task.Task
	if _, err := c.do(ctx, method, path, body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func taskPath(id string, suffix string) string {
	return "/api/tasks/" + url.PathEscape(id) + suffix
}

// Create submits a new task.
func (c *Client) Create(ctx context.Context, req dispatch.CreateRequest) (*task.Task, error) {
	return c.taskCall(ctx, "POST", "/api/tasks", map[string]any{
		"title":          req.Title,
		"prompt":         req.Prompt,
		"assigned_agent": req.AssignedAgent,
		"parent_task_id": req.ParentTaskID,
		"dependency_ids": req.DependencyIDs,
	})
}

// Get fetches a task.
func (c *Client) Get(ctx context.Context, id string) (*task.Task, error) {
	return c.taskCall(ctx, "GET", taskPath(id, ""), nil)
}

// List fetches tasks matching f.
func (c *Client) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Agent != "" {
		q.Set("agent", f.Agent)
	}
	if f.ParentID != "" {
		q.Set("parent", f.ParentID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var tasks []task.Task
	if _, err := c.do(ctx, "GET", path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Transition requests a generic status change.
func (c *Client) Transition(ctx context.Context, id string, to task.Status) (*task.Task, error) {
	return c.taskCall(ctx, "PATCH", taskPath(id, ""), map[string]string{"status": string(to)})
}

func (c *Client) Promote(ctx context.Context, id string) (*task.Task, error) {
	return c.taskCall(ctx, "POST", taskPath(id, "/promote"), nil)
}

func (c *Client) Approve(ctx context.Context, id string) (*task.Task, error) {
	return c.taskCall(ctx, "POST", taskPath(id, "/approve"), nil)
}

func (c *Client) Reject(ctx context.Context, id, reason string) (*task.Task, error) {
	return c.taskCall(ctx, "POST", taskPath(id, "/reject"), map[string]string{"reason": reason})
}

func (c *Client) RequestApproval(ctx context.Context, id, plan string) (*task.Task, error) {
	return c.taskCall(ctx, "POST", taskPath(id, "/request-approval"), map[string]string{"plan": plan})
}

func (c *Client) Complete(ctx context.Context, id, summary string) (*task.Task, error) {
	return c.taskCall(ctx, "POST", taskPath(id, "/complete"), map[string]string{"summary": summary})
}

func (c *Client) Fail(ctx context.Context, id, reason string) (*task.Task, error) {
	return c.taskCall(ctx, "POST", taskPath(id, "/fail"), map[string]string{"reason": reason})
}

// ClaimNext asks the server for work. It returns nil, nil when none is ready.
func (c *Client) ClaimNext(ctx context.Context, agentName string) (*task.Task, error) {
	var t task.Task
	empty, err := c.do(ctx, "POST", "/api/claim", map[string]string{"agent": agentName}, &t)
	if err != nil || empty {
		return nil, err
	}
	return &t, nil
}

// DispatchSubtask creates a child of parentID.
func (c *Client) DispatchSubtask(ctx context.Context, parentID, title, prompt, agentName string) (*task.Task, error) {
	return c.taskCall(ctx, "POST", taskPath(parentID, "/subtasks"), map[string]string{
		"title":          title,
		"prompt":         prompt,
		"assigned_agent": agentName,
	})
}

// SubtaskStatus returns the children of parentID in creation order.
func (c *Client) SubtaskStatus(ctx context.Context, parentID string) ([]dispatch.SubtaskState, error) {
	var resp struct {
		Subtasks []dispatch.SubtaskState `json:"subtasks"`
	}
	if _, err := c.do(ctx, "GET", taskPath(parentID, "/subtasks_status"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subtasks, nil
}

// Logs returns log lines after seq afterSeq.
func (c *Client) Logs(ctx context.Context, id string, afterSeq int64) ([]task.LogEntry, error) {
	path := taskPath(id, "/logs")
	if afterSeq > 0 {
		path += "?after=" + strconv.FormatInt(afterSeq, 10)
	}
	var logs []task.LogEntry
	if _, err := c.do(ctx, "GET", path, nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// Log appends a line to a task's log.
func (c *Client) Log(ctx context.Context, id string, level task.Level, message string) (*task.LogEntry, error) {
	var e task.LogEntry
	if _, err := c.do(ctx, "POST", taskPath(id, "/logs"), map[string]string{"level": string(level), "message": message}, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Agents lists the registry.
func (c *Client) Agents(ctx context.Context) ([]agent.Agent, error) {
	var agents []agent.Agent
	if _, err := c.do(ctx, "GET", "/api/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Register upserts an agent.
func (c *Client) Register(ctx context.Context, a agent.Agent) (*agent.Agent, error) {
	var got agent.Agent
	body := map[string]any{"name": a.Name, "host": a.Host, "port": a.Port, "status": string(a.Status)}
	if _, err := c.do(ctx, "POST", "/api/agents", body, &got); err != nil {
		return nil, err
	}
	return &got, nil
}

// Status is the server's overview.
type Status struct {
	Tasks    int                 `json:"tasks"`
	ByStatus map[task.Status]int `json:"by_status"`
	Agents   int                 `json:"agents"`
}

// Status fetches per-status counts.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if _, err := c.do(ctx, "GET", "/api/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// IsNotFound reports whether err is any flavour of not-found.
func IsNotFound(err error) bool {
	return errors.Is(err, task.ErrNotFound) || errors.Is(err, task.ErrParentNotFound)
}
