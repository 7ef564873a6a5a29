// Package worker implements the agent loop that claims tasks, plans them,
// waits for approval and subtasks, and reports back.
//
// A claimed task is handled in one of two phases, told apart by the task
// log: without a "plan submitted" line the worker writes a plan and parks
// the task at pending_approval; with one, the plan was approved and the
// worker executes it. Parents waiting on subtasks are parked in memory so
// the loop keeps claiming, which lets a single worker run its own children.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"zaki-os/internal/config"
	"zaki-os/internal/logging"
	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
)

// Orchestrator is the subset of the dispatcher a worker drives. Both
// *dispatch.Dispatcher and *client.Client satisfy it.
type Orchestrator interface {
	ClaimNext(ctx context.Context, agent string) (*task.Task, error)
	List(ctx context.Context, f task.Filter) ([]task.Task, error)
	RequestApproval(ctx context.Context, id, plan string) (*task.Task, error)
	Complete(ctx context.Context, id, summary string) (*task.Task, error)
	Fail(ctx context.Context, id, reason string) (*task.Task, error)
	DispatchSubtask(ctx context.Context, parentID, title, prompt, agent string) (*task.Task, error)
	SubtaskStatus(ctx context.Context, parentID string) ([]dispatch.SubtaskState, error)
	Logs(ctx context.Context, id string, afterSeq int64) ([]task.LogEntry, error)
	Log(ctx context.Context, id string, level task.Level, message string) (*task.LogEntry, error)
}

// Runner is one worker agent.
type Runner struct {
	orch    Orchestrator
	retr    Retriever
	exec    Executor
	fs      afero.Fs
	cfg     config.WorkerConfig
	log     *slog.Logger
	planDir string
	reptDir string

	mu      sync.Mutex
	waiting map[string]*task.Task // parents parked until their subtasks finish
	resumed bool
}

// New creates a Runner. A nil retriever disables context lookup and a nil
// executor uses the built-in templates.
func New(orch Orchestrator, retr Retriever, exec Executor, fs afero.Fs, cfg config.WorkerConfig, logger *slog.Logger) *Runner {
	if retr == nil {
		retr = NopRetriever{}
	}
	if exec == nil {
		exec = TemplateExecutor{}
	}
	return &Runner{
		orch:    orch,
		retr:    retr,
		exec:    exec,
		fs:      fs,
		cfg:     cfg,
		log:     logging.Component(logger, "worker").With("agent", cfg.Agent),
		planDir: filepath.Join(cfg.PlanDir, "plans"),
		reptDir: filepath.Join(cfg.PlanDir, "reports"),
		waiting: make(map[string]*task.Task),
	}
}

// Run polls for work until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("running", "poll_interval", r.cfg.PollInterval)

	r.Poll(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("shutting down")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll does one round of work: finish parked parents whose subtasks are
// done, then claim and handle at most one task. It reports whether a task
// was claimed.
func (r *Runner) Poll(ctx context.Context) (claimed bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in poll", "panic", fmt.Sprint(p))
		}
	}()

	if !r.resumed {
		r.resume(ctx)
	}
	r.checkWaiting(ctx)

	t, err := r.orch.ClaimNext(ctx, r.cfg.Agent)
	if err != nil {
		if !errors.Is(err, task.ErrConcurrentClaimLost) {
			r.log.Warn("claim", "error", err)
		}
		return false
	}
	if t == nil {
		return false
	}
	r.log.Info("claimed", "task_id", t.ID, "title", t.Title)

	if err := r.handle(ctx, t); err != nil {
		r.log.Error("task failed", "task_id", t.ID, "error", err)
		if _, ferr := r.orch.Fail(ctx, t.ID, err.Error()); ferr != nil {
			r.log.Error("mark failed", "task_id", t.ID, "error", ferr)
		}
	}
	return true
}

// Waiting returns the IDs of parents parked on subtasks.
func (r *Runner) Waiting() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.waiting))
	for id := range r.waiting {
		ids = append(ids, id)
	}
	return ids
}

// resume re-parks in_progress tasks this agent claimed before a restart.
// Anything that never reached approval is left to the stale-claim sweeper.
func (r *Runner) resume(ctx context.Context) {
	tasks, err := r.orch.List(ctx, task.Filter{Status: task.StatusInProgress})
	if err != nil {
		r.log.Warn("recover claimed tasks", "error", err)
		return
	}
	r.resumed = true
	for i := range tasks {
		t := &tasks[i]
		if t.ClaimedBy == nil || *t.ClaimedBy != r.cfg.Agent {
			continue
		}
		plan, ok, err := r.approvedPlan(ctx, t.ID)
		if err != nil || !ok || len(parseSubtasks(plan)) == 0 {
			continue
		}
		r.park(t)
		r.log.Info("resumed waiting on subtasks", "task_id", t.ID)
	}
}

func (r *Runner) handle(ctx context.Context, t *task.Task) error {
	plan, approved, err := r.approvedPlan(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	if !approved {
		return r.plan(ctx, t)
	}
	return r.execute(ctx, t, plan)
}

// plan writes PLAN_<id>.md and submits it for approval.
func (r *Runner) plan(ctx context.Context, t *task.Task) error {
	var snippets []Snippet
	if r.cfg.ContextResults > 0 {
		var err error
		snippets, err = r.retr.Query(ctx, t.Title+"\n"+t.Prompt, r.cfg.ContextResults)
		if err != nil {
			// Planning without context beats failing the task.
			r.log.Warn("retrieve context", "task_id", t.ID, "error", err)
			snippets = nil
		}
	}

	plan, err := r.exec.Plan(ctx, t, snippets)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	path, err := r.write(r.planDir, "PLAN_"+t.ID+".md", plan)
	if err != nil {
		return err
	}
	note := fmt.Sprintf("plan written to %s with %d context snippets", path, len(snippets))
	if _, err := r.orch.Log(ctx, t.ID, task.LevelDebug, note); err != nil {
		r.log.Warn("log plan path", "task_id", t.ID, "error", err)
	}
	if _, err := r.orch.RequestApproval(ctx, t.ID, plan); err != nil {
		return fmt.Errorf("request approval: %w", err)
	}
	r.log.Info("plan submitted", "task_id", t.ID, "path", path, "context", len(snippets))
	return nil
}

// execute dispatches the plan's subtasks, or finishes straight away when
// there are none.
func (r *Runner) execute(ctx context.Context, t *task.Task, plan string) error {
	specs := parseSubtasks(plan)
	if len(specs) == 0 {
		return r.finish(ctx, t, plan, dispatch.Aggregate{ByStatus: map[task.Status]int{}})
	}

	// A retried parent keeps the children it already has.
	existing, err := r.orch.SubtaskStatus(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("subtask status: %w", err)
	}
	if len(existing) == 0 {
		for _, s := range specs {
			child, err := r.orch.DispatchSubtask(ctx, t.ID, s.Title, s.Prompt, s.Agent)
			if err != nil {
				return fmt.Errorf("dispatch subtask %q: %w", s.Title, err)
			}
			r.log.Info("dispatched subtask", "task_id", t.ID, "subtask_id", child.ID, "agent", s.Agent)
		}
	}
	r.park(t)
	return nil
}

func (r *Runner) park(t *task.Task) {
	r.mu.Lock()
	r.waiting[t.ID] = t
	r.mu.Unlock()
}

// checkWaiting finishes every parked parent whose subtasks are all terminal.
func (r *Runner) checkWaiting(ctx context.Context) {
	r.mu.Lock()
	parked := make([]*task.Task, 0, len(r.waiting))
	for _, t := range r.waiting {
		parked = append(parked, t)
	}
	r.mu.Unlock()

	for _, t := range parked {
		states, err := r.orch.SubtaskStatus(ctx, t.ID)
		if err != nil {
			if errors.Is(err, task.ErrParentNotFound) {
				r.unpark(t.ID)
			}
			r.log.Warn("subtask status", "task_id", t.ID, "error", err)
			continue
		}
		agg := dispatch.Summarize(states)
		if !agg.AllTerminal() {
			continue
		}
		r.unpark(t.ID)

		plan, _, err := r.approvedPlan(ctx, t.ID)
		if err != nil {
			r.log.Warn("read plan", "task_id", t.ID, "error", err)
		}
		if err := r.finish(ctx, t, plan, agg); err != nil {
			r.log.Error("finish", "task_id", t.ID, "error", err)
			if _, ferr := r.orch.Fail(ctx, t.ID, err.Error()); ferr != nil && !errors.Is(ferr, task.ErrIllegalTransition) {
				r.log.Error("mark failed", "task_id", t.ID, "error", ferr)
			}
		}
	}
}

func (r *Runner) unpark(id string) {
	r.mu.Lock()
	delete(r.waiting, id)
	r.mu.Unlock()
}

// finish writes REPORT_<id>.md and completes the task, or fails it when a
// subtask failed.
func (r *Runner) finish(ctx context.Context, t *task.Task, plan string, agg dispatch.Aggregate) error {
	report, err := r.exec.Report(ctx, t, plan, agg)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	path, err := r.write(r.reptDir, "REPORT_"+t.ID+".md", report)
	if err != nil {
		return err
	}

	if agg.AnyFailed() {
		reason := fmt.Sprintf("%d of %d subtasks failed", agg.ByStatus[task.StatusFailed], agg.Total)
		_, err = r.orch.Fail(ctx, t.ID, reason)
	} else {
		_, err = r.orch.Complete(ctx, t.ID, "report at "+path)
	}
	if err != nil {
		return err
	}
	r.log.Info("task finished", "task_id", t.ID, "report", path, "subtasks", agg.Total)
	return nil
}

// approvedPlan looks for the plan submission line in the task log. A task
// back in progress with such a line has passed approval.
func (r *Runner) approvedPlan(ctx context.Context, id string) (string, bool, error) {
	logs, err := r.orch.Logs(ctx, id, 0)
	if err != nil {
		return "", false, err
	}
	for i := len(logs) - 1; i >= 0; i-- {
		msg := logs[i].Message
		if !strings.HasPrefix(msg, dispatch.PlanSubmitted) {
			continue
		}
		plan := strings.TrimPrefix(msg, dispatch.PlanSubmitted)
		return strings.TrimPrefix(plan, ": "), true, nil
	}
	return "", false, nil
}

func (r *Runner) write(dir, name, content string) (string, error) {
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := afero.WriteFile(r.fs, path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
