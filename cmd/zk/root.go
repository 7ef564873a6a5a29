package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"zaki-os/internal/config"
	"zaki-os/pkg/client"
)

// app is the state shared by every subcommand.
type app struct {
	configPath string
	server     string
	output     string

	client *client.Client
	out    io.Writer
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "zk",
		Short: "Submit, approve and inspect zaki-os tasks",
		Long: `zk talks to a zaki-os server over HTTP.

The server address comes from --server, then worker.server_url in zaki.yaml
or ZAKI_WORKER_SERVER_URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch a.output {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("--output must be table, json or yaml, got %q", a.output)
			}
			a.out = cmd.OutOrStdout()
			if a.server == "" {
				cfg, err := config.LoadClient(a.configPath)
				if err != nil {
					return err
				}
				a.server = cfg.Worker.ServerURL
			}
			a.client = client.New(a.server)
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	f.StringVar(&a.server, "server", "", "server base URL")
	f.StringVarP(&a.output, "output", "o", "table", "output format: table, json or yaml")

	root.AddCommand(
		newTaskCommand(a),
		newClaimCommand(a),
		newAgentCommand(a),
		newStatusCommand(a),
	)
	return root
}
