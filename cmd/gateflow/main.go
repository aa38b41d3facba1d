package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rom8726/gateflow/client"
	"github.com/rom8726/gateflow/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the flags and config shared by every command.
type app struct {
	configPath string
	serverURL  string
	user       string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "gateflow",
		Short:         "Declarative workflow engine with policy gates and human approvals",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default gateflow.yaml in . or ./config)")
	flags.StringVar(&a.serverURL, "server", "", "API server URL, overrides client.url")
	flags.StringVar(&a.user, "user", "", "acting user for signals and terminations, overrides client.user")

	root.AddCommand(
		newServeCmd(a),
		newStartCmd(a),
		newRunCmd(a),
		newSignalCmd(a),
		newStatusCmd(a),
		newTerminateCmd(a),
		newScheduleCmd(a),
		newGraphCmd(a),
	)

	return root
}

func (a *app) client() *client.Client {
	url := a.cfg.Client.URL
	if a.serverURL != "" {
		url = a.serverURL
	}

	user := a.cfg.Client.User
	if a.user != "" {
		user = a.user
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	timeout := a.cfg.Client.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return client.New(url, timeout, client.WithUser(user))
}
