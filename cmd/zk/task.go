package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
)

func newTaskCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Task operations",
	}
	cmd.AddCommand(
		newTaskSubmitCommand(a),
		newTaskListCommand(a),
		newTaskGetCommand(a),
		newTaskTransitionCommand(a),
		newSimpleTransition(a, "promote", "Clear a pending task for claiming", func(c context.Context, id, _ string) (*task.Task, error) {
			return a.client.Promote(c, id)
		}, ""),
		newSimpleTransition(a, "approve", "Approve a submitted plan", func(c context.Context, id, _ string) (*task.Task, error) {
			return a.client.Approve(c, id)
		}, ""),
		newSimpleTransition(a, "reject", "Reject a submitted plan", func(c context.Context, id, reason string) (*task.Task, error) {
			return a.client.Reject(c, id, reason)
		}, "reason"),
		newSimpleTransition(a, "request-approval", "Submit a plan for approval", func(c context.Context, id, plan string) (*task.Task, error) {
			return a.client.RequestApproval(c, id, plan)
		}, "plan"),
		newSimpleTransition(a, "complete", "Finish an in-progress task", func(c context.Context, id, summary string) (*task.Task, error) {
			return a.client.Complete(c, id, summary)
		}, "summary"),
		newSimpleTransition(a, "fail", "Fail an in-progress task", func(c context.Context, id, reason string) (*task.Task, error) {
			return a.client.Fail(c, id, reason)
		}, "reason"),
		newTaskDispatchCommand(a),
		newTaskSubtasksCommand(a),
		newTaskLogsCommand(a),
		newTaskLogCommand(a),
	)
	return cmd
}

type transitionFunc func(ctx context.Context, id, text string) (*task.Task, error)

func (a *app) printTask(t *task.Task) error {
	return a.emit(t, func(w io.Writer) { printTask(w, t) })
}

func newSimpleTransition(a *app, use, short string, fn transitionFunc, textFlag string) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := fn(cmd.Context(), args[0], text)
			if err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return a.printTask(t)
		},
	}
	if textFlag != "" {
		cmd.Flags().StringVar(&text, textFlag, "", textFlag+" recorded in the task log")
	}
	return cmd
}

func newTaskSubmitCommand(a *app) *cobra.Command {
	var req dispatch.CreateRequest
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new task",
		Long: `Submit a new task in status pending.

Examples:
  zk task submit --title "Add caching" --prompt "Cache GET /api/tasks"
  zk task submit --title "Docs" --agent writer --dep 0190...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := a.client.Create(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			return a.printTask(t)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Title, "title", "", "task title")
	f.StringVar(&req.Prompt, "prompt", "", "instructions for the worker")
	f.StringVar(&req.AssignedAgent, "agent", "", "agent to run the task; empty for any")
	f.StringVar(&req.ParentTaskID, "parent", "", "parent task ID")
	f.StringSliceVar(&req.DependencyIDs, "dep", nil, "task IDs that must be done first (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTaskListCommand(a *app) *cobra.Command {
	var (
		f      task.Filter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				st, err := task.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			tasks, err := a.client.List(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			return a.emit(tasks, func(w io.Writer) { printTasks(w, tasks) })
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&status, "status", "", "only tasks in this status")
	fl.StringVar(&f.Agent, "agent", "", "only tasks assigned to this agent")
	fl.StringVar(&f.ParentID, "parent", "", "only subtasks of this task")
	fl.IntVar(&f.Limit, "limit", 20, "maximum number of tasks")
	return cmd
}

func newTaskGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.client.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			return a.printTask(t)
		},
	}
}

func newTaskTransitionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move a task along any legal edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := task.ParseStatus(args[1])
			if err != nil {
				return err
			}
			t, err := a.client.Transition(cmd.Context(), args[0], to)
			if err != nil {
				return fmt.Errorf("transition: %w", err)
			}
			return a.printTask(t)
		},
	}
}

func newTaskDispatchCommand(a *app) *cobra.Command {
	var title, prompt, agentName string
	cmd := &cobra.Command{
		Use:   "dispatch <parent-id>",
		Short: "Create a subtask under a parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.client.DispatchSubtask(cmd.Context(), args[0], title, prompt, agentName)
			if err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
			return a.printTask(t)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "subtask title")
	cmd.Flags().StringVar(&prompt, "prompt", "", "subtask instructions")
	cmd.Flags().StringVar(&agentName, "agent", "", "agent to run the subtask; empty for any")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTaskSubtasksCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "subtasks <parent-id>",
		Short: "Show the status of a task's subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := a.client.SubtaskStatus(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("subtasks: %w", err)
			}
			return a.emit(states, func(w io.Writer) { printSubtasks(w, states) })
		},
	}
}

func newTaskLogsCommand(a *app) *cobra.Command {
	var (
		after  int64
		follow bool
		every  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show a task's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			for {
				logs, err := a.client.Logs(ctx, args[0], after)
				if err != nil {
					return fmt.Errorf("logs: %w", err)
				}
				if len(logs) > 0 || !follow {
					if err := a.emit(logs, func(w io.Writer) { printLogs(w, logs) }); err != nil {
						return err
					}
				}
				if !follow {
					return nil
				}
				if len(logs) > 0 {
					after = logs[len(logs)-1].Seq
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(every):
				}
			}
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only lines after this sequence number")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new lines")
	cmd.Flags().DurationVar(&every, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func newTaskLogCommand(a *app) *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "log <id> <message>",
		Short: "Append a line to a task's log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.client.Log(cmd.Context(), args[0], task.Level(level), args[1])
			if err != nil {
				return fmt.Errorf("log: %w", err)
			}
			entry := []task.LogEntry{*e}
			return a.emit(e, func(w io.Writer) { printLogs(w, entry) })
		},
	}
	cmd.Flags().StringVar(&level, "level", string(task.LevelInfo), "DEBUG, INFO, WARNING or ERROR")
	return cmd
}
