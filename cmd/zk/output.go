package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"zaki-os/pkg/agent"
	"zaki-os/pkg/dispatch"
	"zaki-os/pkg/task"
)

var statusStyles = map[task.Status]lipgloss.Style{
	task.StatusPending:         lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	task.StatusApproved:        lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	task.StatusInProgress:      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	task.StatusPendingApproval: lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true),
	task.StatusDone:            lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	task.StatusFailed:          lipgloss.NewStyle().Foreground(lipgloss.Color("160")),
}

var levelStyles = map[task.Level]lipgloss.Style{
	task.LevelDebug:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	task.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	task.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("160")),
}

// styledStatus pads before styling so escape codes don't break alignment.
func styledStatus(s task.Status) string {
	padded := fmt.Sprintf("%-16s", s)
	if st, ok := statusStyles[s]; ok {
		return st.Render(padded)
	}
	return padded
}

// emit writes v as JSON or YAML, or calls table for the default format.
func (a *app) emit(v any, table func(w io.Writer)) error {
	switch a.output {
	case "json":
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Go through JSON so field names match the API.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	table(a.out)
	return nil
}

func truncStr(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

func deref(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func printTasks(w io.Writer, tasks []task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	for _, t := range tasks {
		fmt.Fprintf(w, "%-8s  %s  %-12s  %s\n",
			shortID(t.ID), styledStatus(t.Status), truncStr(deref(t.AssignedAgent, "-"), 12), truncStr(t.Title, 60))
	}
}

func printTask(w io.Writer, t *task.Task) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", t.ID)
	fmt.Fprintf(tw, "Title:\t%s\n", t.Title)
	fmt.Fprintf(tw, "Status:\t%s\n", styledStatus(t.Status))
	fmt.Fprintf(tw, "Agent:\t%s\n", deref(t.AssignedAgent, "any"))
	if t.ParentTaskID != nil {
		fmt.Fprintf(tw, "Parent:\t%s\n", *t.ParentTaskID)
	}
	if len(t.DependencyIDs) > 0 {
		fmt.Fprintf(tw, "Depends on:\t%s\n", strings.Join(t.DependencyIDs, ", "))
	}
	if t.ClaimedBy != nil {
		fmt.Fprintf(tw, "Claimed by:\t%s\n", *t.ClaimedBy)
	}
	if t.RetryCount > 0 {
		fmt.Fprintf(tw, "Retries:\t%d\n", t.RetryCount)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.CompletedAt != nil {
		fmt.Fprintf(tw, "Completed:\t%s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
	if t.Prompt != "" {
		fmt.Fprintf(w, "\n%s\n", t.Prompt)
	}
}

func printLogs(w io.Writer, logs []task.LogEntry) {
	for _, l := range logs {
		level := fmt.Sprintf("%-7s", l.Level)
		if st, ok := levelStyles[l.Level]; ok {
			level = st.Render(level)
		}
		fmt.Fprintf(w, "%5d  %s  %s  %s\n", l.Seq, l.Timestamp.Local().Format("15:04:05"), level, l.Message)
	}
}

func printSubtasks(w io.Writer, states []dispatch.SubtaskState) {
	for _, s := range states {
		fmt.Fprintf(w, "%-8s  %s  %s\n", shortID(s.ID), styledStatus(s.Status), truncStr(s.Title, 60))
	}
	agg := dispatch.Summarize(states)
	fmt.Fprintf(w, "%d/%d finished, %d failed\n", agg.Terminal(), agg.Total, agg.ByStatus[task.StatusFailed])
}

func printAgents(w io.Writer, agents []agent.Agent) {
	if len(agents) == 0 {
		fmt.Fprintln(w, "no agents")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tHOST\tLAST SEEN")
	for _, ag := range agents {
		addr := ag.Host
		if ag.Port > 0 {
			addr = fmt.Sprintf("%s:%d", ag.Host, ag.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ag.Name, ag.Status, addr, ag.LastSeenAt.Local().Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}
