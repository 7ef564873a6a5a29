// Package dispatch drives tasks through their lifecycle: creation, claiming,
// the approval checkpoint, completion and subtask fan-out. Every state change
// is a single Store.Update so concurrent callers cannot interleave.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zaki-os/internal/config"
	"zaki-os/internal/logging"
	"zaki-os/pkg/agent"
	"zaki-os/pkg/task"
)

// ErrInvalid reports a request the dispatcher refuses before touching the store.
var ErrInvalid = errors.New("invalid request")

// unassigned is the agent name the submission form uses for "any worker".
const unassigned = "unassigned"

// Dispatcher coordinates task transitions over a task.Store.
type Dispatcher struct {
	tasks  task.Store
	agents agent.Store
	bus    *Bus
	cfg    config.DispatchConfig
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Dispatcher. agents and bus may be nil.
func New(tasks task.Store, agents agent.Store, bus *Bus, cfg config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:  tasks,
		agents: agents,
		bus:    bus,
		cfg:    cfg,
		log:    logging.Component(logger, "dispatch"),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Bus returns the event bus, which may be nil.
func (d *Dispatcher) Bus() *Bus { return d.bus }

// Agents returns the agent registry, which may be nil.
func (d *Dispatcher) Agents() agent.Store { return d.agents }

// CreateRequest describes a new task.
type CreateRequest struct {
	Title         string
	Prompt        string
	AssignedAgent string // empty or "unassigned" = any worker
	ParentTaskID  string
	DependencyIDs []string
}

// Create stores a new pending task.
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (*task.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	assigned, err := d.resolveAgent(ctx, req.AssignedAgent)
	if err != nil {
		return nil, err
	}

	t := &task.Task{
		Title:         req.Title,
		Prompt:        req.Prompt,
		AssignedAgent: assigned,
		DependencyIDs: req.DependencyIDs,
	}
	notes := []task.Note{task.Info("created")}
	if req.ParentTaskID != "" {
		t.ParentTaskID = &req.ParentTaskID
		notes = append(notes, task.Note{
			TaskID:  req.ParentTaskID,
			Level:   task.LevelInfo,
			Message: fmt.Sprintf("dispatched subtask %q to %s", req.Title, agentLabel(assigned)),
		})
	}

	created, err := d.tasks.Create(ctx, t, notes...)
	if err != nil {
		return nil, err
	}
	d.log.Info("task created", "task_id", created.ID, "parent_id", req.ParentTaskID, "agent", agentLabel(assigned))
	d.bus.Publish(Event{Type: EventCreated, TaskID: created.ID, To: created.Status, Task: created, At: created.CreatedAt})
	return created, nil
}

// DispatchSubtask creates a pending child of parentID. The parent's status
// is unchanged; the dispatch is recorded in its log in the same transaction.
func (d *Dispatcher) DispatchSubtask(ctx context.Context, parentID, title, prompt, agentName string) (*task.Task, error) {
	return d.Create(ctx, CreateRequest{
		Title:         title,
		Prompt:        prompt,
		AssignedAgent: agentName,
		ParentTaskID:  parentID,
	})
}

// Get returns a single task.
func (d *Dispatcher) Get(ctx context.Context, id string) (*task.Task, error) {
	return d.tasks.Get(ctx, id)
}

// List returns tasks matching f.
func (d *Dispatcher) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	return d.tasks.List(ctx, f)
}

// Counts returns the number of tasks per status, including zeros.
func (d *Dispatcher) Counts(ctx context.Context) (map[task.Status]int, error) {
	counts, err := d.tasks.Counts(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range task.AllStatuses() {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

// ClaimNext hands the oldest eligible approved task to agentName, or nil
// when nothing is claimable.
func (d *Dispatcher) ClaimNext(ctx context.Context, agentName string) (*task.Task, error) {
	if strings.TrimSpace(agentName) == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalid)
	}
	if d.cfg.ValidateAgents && d.agents != nil {
		if err := agent.Validate(ctx, d.agents, agentName); err != nil {
			return nil, err
		}
	}

	t, err := d.tasks.ClaimNext(ctx, agentName, d.now())
	if err != nil || t == nil {
		return nil, err
	}
	d.log.Info("task claimed", "task_id", t.ID, "agent", agentName)
	d.bus.Publish(Event{Type: EventTransition, TaskID: t.ID, From: task.StatusApproved, To: t.Status, Task: t, At: t.UpdatedAt})
	return t, nil
}

// Transition moves a task along any legal edge. Approval from
// pending_approval goes through the same exclusive update as Approve.
// in_progress is only reachable through ClaimNext, which checks
// dependencies and the assigned agent and records the claim.
func (d *Dispatcher) Transition(ctx context.Context, id string, to task.Status) (*task.Task, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, to)
	}
	if to == task.StatusInProgress {
		return nil, fmt.Errorf("%w: %s is entered by claiming, not by transition", ErrInvalid, to)
	}
	return d.move(ctx, id, "", to, task.LevelInfo, "")
}

// Promote clears a pending task for claiming.
func (d *Dispatcher) Promote(ctx context.Context, id string) (*task.Task, error) {
	return d.move(ctx, id, task.StatusPending, task.StatusApproved, task.LevelInfo, "promoted")
}

// RequestApproval parks an in-progress task at the human checkpoint. The
// plan, if given, is recorded in the task log.
func (d *Dispatcher) RequestApproval(ctx context.Context, id, plan string) (*task.Task, error) {
	msg := PlanSubmitted
	if plan = strings.TrimSpace(plan); plan != "" {
		msg += ": " + plan
	}
	return d.move(ctx, id, task.StatusInProgress, task.StatusPendingApproval, task.LevelInfo, msg)
}

// Complete finishes an in-progress task successfully.
func (d *Dispatcher) Complete(ctx context.Context, id, summary string) (*task.Task, error) {
	msg := "completed"
	if summary = strings.TrimSpace(summary); summary != "" {
		msg += ": " + summary
	}
	return d.move(ctx, id, task.StatusInProgress, task.StatusDone, task.LevelInfo, msg)
}

// Fail finishes an in-progress task unsuccessfully.
func (d *Dispatcher) Fail(ctx context.Context, id, reason string) (*task.Task, error) {
	msg := "failed"
	if reason = strings.TrimSpace(reason); reason != "" {
		msg += ": " + reason
	}
	return d.move(ctx, id, task.StatusInProgress, task.StatusFailed, task.LevelError, msg)
}

// PlanSubmitted prefixes the log line written when a plan goes up for
// approval. Workers use it to tell a planned task from a fresh one.
const PlanSubmitted = "plan submitted for approval"

// move runs a single transition under the store's row lock. A non-empty
// from pins the edge to that source state.
func (d *Dispatcher) move(ctx context.Context, id string, from, to task.Status, level task.Level, msg string) (*task.Task, error) {
	var prev task.Status
	updated, err := d.tasks.Update(ctx, id, func(t *task.Task) ([]task.Note, error) {
		prev = t.Status
		if from != "" && t.Status != from {
			return nil, &task.IllegalTransitionError{TaskID: t.ID, From: t.Status, To: to, Requires: from}
		}
		if err := task.Transition(t, to, d.now()); err != nil {
			return nil, err
		}
		line := msg
		if line == "" {
			line = fmt.Sprintf("status %s -> %s", prev, to)
		}
		return d.transitionNotes(t, prev, level, line), nil
	})
	if err != nil {
		return nil, err
	}
	d.published(updated, prev)
	return updated, nil
}

// transitionNotes applies the bookkeeping every transition shares and
// returns the log lines to commit with it.
func (d *Dispatcher) transitionNotes(t *task.Task, prev task.Status, level task.Level, msg string) []task.Note {
	if t.Status != task.StatusInProgress {
		t.ClaimedBy = nil
		t.ClaimedAt = nil
	}
	notes := []task.Note{{Level: level, Message: msg}}
	if t.Status.IsTerminal() && t.ParentTaskID != nil {
		notes = append(notes, task.Note{
			TaskID:  *t.ParentTaskID,
			Level:   task.LevelInfo,
			Message: fmt.Sprintf("subtask %s finished: %s", t.ID, t.Status),
		})
	}
	return notes
}

func (d *Dispatcher) published(t *task.Task, prev task.Status) {
	d.log.Info("task transitioned", "task_id", t.ID, "from", prev, "to", t.Status)
	d.bus.Publish(Event{Type: EventTransition, TaskID: t.ID, From: prev, To: t.Status, Task: t, At: t.UpdatedAt})
}

// SubtaskStatus returns the children of parentID in creation order.
func (d *Dispatcher) SubtaskStatus(ctx context.Context, parentID string) ([]SubtaskState, error) {
	if _, err := d.tasks.Get(ctx, parentID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, fmt.Errorf("subtask status: %w: %s", task.ErrParentNotFound, parentID)
		}
		return nil, err
	}
	children, err := d.tasks.ByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	states := make([]SubtaskState, 0, len(children))
	for _, c := range children {
		states = append(states, SubtaskState{ID: c.ID, Title: c.Title, Status: c.Status})
	}
	return states, nil
}

// Log appends a line to a task's audit trail.
func (d *Dispatcher) Log(ctx context.Context, id string, level task.Level, message string) (*task.LogEntry, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: unknown level %q", ErrInvalid, level)
	}
	e, err := d.tasks.AppendLog(ctx, id, level, message)
	if err != nil {
		return nil, err
	}
	d.bus.Publish(Event{Type: EventLog, TaskID: id, Log: e, At: e.Timestamp})
	return e, nil
}

// Logs returns a task's log lines after seq afterSeq.
func (d *Dispatcher) Logs(ctx context.Context, id string, afterSeq int64) ([]task.LogEntry, error) {
	return d.tasks.Logs(ctx, id, afterSeq)
}

// VerifyLogs checks a task's log hash chain.
func (d *Dispatcher) VerifyLogs(ctx context.Context, id string) error {
	return d.tasks.VerifyLogs(ctx, id)
}

func (d *Dispatcher) resolveAgent(ctx context.Context, name string) (*string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == unassigned {
		return nil, nil
	}
	if d.cfg.ValidateAgents && d.agents != nil {
		if err := agent.Validate(ctx, d.agents, name); err != nil {
			return nil, err
		}
	}
	return &name, nil
}

func agentLabel(a *string) string {
	if a == nil {
		return "any agent"
	}
	return *a
}
