package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"zaki-os/pkg/agent"
	"zaki-os/pkg/task"
)

func newAgentCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent registry operations",
	}
	cmd.AddCommand(newAgentListCommand(a), newAgentRegisterCommand(a))
	return cmd
}

func newAgentListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := a.client.Agents(cmd.Context())
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			return a.emit(agents, func(w io.Writer) { printAgents(w, agents) })
		},
	}
}

func newAgentRegisterCommand(a *app) *cobra.Command {
	var (
		ag     agent.Agent
		status string
	)
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register or refresh an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := agent.ParseStatus(status)
			if err != nil {
				return err
			}
			ag.Name = args[0]
			ag.Status = st
			got, err := a.client.Register(cmd.Context(), ag)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			list := []agent.Agent{*got}
			return a.emit(got, func(w io.Writer) { printAgents(w, list) })
		},
	}
	cmd.Flags().StringVar(&ag.Host, "host", "", "host the agent runs on")
	cmd.Flags().IntVar(&ag.Port, "port", 0, "port the agent listens on, if any")
	cmd.Flags().StringVar(&status, "status", "idle", "idle, busy or offline")
	return cmd
}

func newClaimCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <agent>",
		Short: "Claim the next eligible task on behalf of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := a.client.ClaimNext(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("claim: %w", err)
			}
			if t == nil {
				if a.output == "table" {
					fmt.Fprintln(a.out, "nothing to claim")
					return nil
				}
				return a.emit(nil, nil)
			}
			return a.printTask(t)
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return a.emit(s, func(w io.Writer) {
				for _, st := range task.AllStatuses() {
					fmt.Fprintf(w, "%s %d\n", styledStatus(st), s.ByStatus[st])
				}
				fmt.Fprintf(w, "%-16s %d\n", "total", s.Tasks)
				fmt.Fprintf(w, "%-16s %d\n", "agents", s.Agents)
			})
		},
	}
}
