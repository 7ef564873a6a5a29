package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
)

// Executor produces the content of plans and reports. The core never
// inspects it beyond [TASK:...] tags.
type Executor interface {
	Plan(ctx context.Context, t *task.Task, context []Snippet) (string, error)
	Report(ctx context.Context, t *task.Task, plan string, subtasks dispatch.Aggregate) (string, error)
}

// TemplateExecutor writes plain markdown skeletons. It is the default when
// no command is configured.
type TemplateExecutor struct {
	Now func() time.Time
}

func (e TemplateExecutor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e TemplateExecutor) Plan(_ context.Context, t *task.Task, snippets []Snippet) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# PLAN for Task %s\n\n## %s\n\nPrompt:\n````\n%s\n````\n", t.ID, t.Title, t.Prompt)
	if len(snippets) > 0 {
		b.WriteString("\n## Context\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "\n> %s (%s, %.2f)\n", firstLine(s.Content), s.Source, s.Score)
		}
	}
	return b.String(), nil
}

func (e TemplateExecutor) Report(_ context.Context, t *task.Task, _ string, agg dispatch.Aggregate) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# REPORT for Task %s\n\nCompleted at unix %d\n", t.ID, e.now().Unix())
	if agg.Total > 0 {
		fmt.Fprintf(&b, "\nSubtasks: %d total, %d done, %d failed\n",
			agg.Total, agg.ByStatus[task.StatusDone], agg.ByStatus[task.StatusFailed])
	}
	return b.String(), nil
}

// CommandExecutor pipes a prompt to an external program and uses its
// stdout. Output in the form {"result": "..."} is unwrapped.
type CommandExecutor struct {
	Argv    []string
	WorkDir string
}

// CommandResult holds the output of one invocation.
type CommandResult struct {
	Result   string
	Stderr   string
	Duration time.Duration
	ExitCode int
}

func (e CommandExecutor) Plan(ctx context.Context, t *task.Task, snippets []Snippet) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write an implementation plan for this task.\n\nTitle: %s\n\nPrompt:\n%s\n", t.Title, t.Prompt)
	if len(snippets) > 0 {
		b.WriteString("\nRelevant context:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "\n--- %s\n%s\n", s.Source, s.Content)
		}
	}
	b.WriteString("\nTo split the work, add one [TASK:title|prompt|agent] line per subtask; leave agent empty for any.\n")
	return e.run(ctx, b.String())
}

func (e CommandExecutor) Report(ctx context.Context, t *task.Task, plan string, agg dispatch.Aggregate) (string, error) {
	prompt := fmt.Sprintf("Carry out this approved plan and report what was done.\n\nTitle: %s\n\nPlan:\n%s\n", t.Title, plan)
	if agg.Total > 0 {
		prompt += fmt.Sprintf("\nSubtasks finished: %d done, %d failed of %d.\n",
			agg.ByStatus[task.StatusDone], agg.ByStatus[task.StatusFailed], agg.Total)
	}
	return e.run(ctx, prompt)
}

func (e CommandExecutor) run(ctx context.Context, prompt string) (string, error) {
	res, err := e.Invoke(ctx, prompt)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s exited %d: %s", e.Argv[0], res.ExitCode, truncate(res.Stderr, 500))
	}
	return res.Result, nil
}

// Invoke runs the command once with prompt on stdin.
func (e CommandExecutor) Invoke(ctx context.Context, prompt string) (*CommandResult, error) {
	if len(e.Argv) == 0 {
		return nil, errors.New("no command configured")
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	cmd.Dir = e.WorkDir
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: %w (stderr: %s)", e.Argv[0], err, stderr.String())
		}
		exitCode = exitErr.ExitCode()
	}

	result := stdout.String()
	var parsed struct {
		Result *string `json:"result"`
	}
	if json.Unmarshal(stdout.Bytes(), &parsed) == nil && parsed.Result != nil {
		result = *parsed.Result
	}

	return &CommandResult{
		Result:   result,
		Stderr:   stderr.String(),
		Duration: duration,
		ExitCode: exitCode,
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 120)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
