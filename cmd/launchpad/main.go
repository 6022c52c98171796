// Package main provides the entry point for launchpad.
//
// launchpad builds, runs, debugs and tests Apple platform apps for an editor
// or other client. It can run one action in the foreground or serve sessions
// over a REST API and MCP.
//
// Usage:
//
//	launchpad                          Start the service (default)
//	launchpad serve                    Start the service
//	launchpad build|run|debug|test     Run one action in the foreground
//	launchpad project register <path>  Register a workspace with the service
//	launchpad status                   Show service status
//	launchpad stop                     Stop the running service
//	launchpad mcp                      Start MCP server (stdio mode)
//	launchpad version                  Show version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ternarybob/launchpad/internal/api"
	"github.com/ternarybob/launchpad/internal/config"
	"github.com/ternarybob/launchpad/internal/logger"
)

// version is set via -ldflags at build time
var version = "dev"

func main() {
	api.SetVersion(version)

	err := newRootCmd().Execute()
	logger.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "launchpad",
		Short: "Build, run, debug and test Apple platform apps",
		Long: `launchpad sequences xcodebuild, simctl and the app itself for an editor
or any other client.

Foreground actions:
  build, run, debug, test   Run one action and stop it on Ctrl-C

Service:
  serve         Start the REST API service (default)
  status, stop  Inspect or stop a running service
  mcp           Serve MCP tools on stdio
  project       Manage registered workspaces

Configuration:
  Config file: ~/.launchpad/config.yaml (override with --config or LAUNCHPAD_CONFIG)
  Workspace settings: .launchpad.toml in the workspace root`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config.yaml")

	root.AddCommand(
		newServeCmd(flags),
		newStatusCmd(flags),
		newStopCmd(flags),
		newMCPCmd(flags),
		newVersionCmd(),
		newProjectCmd(flags),
	)
	for _, def := range actionCommands {
		root.AddCommand(newActionCmd(flags, def))
	}

	return root
}

// loadConfig reads the service configuration named by --config, falling back
// to the default location.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	path := f.configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "launchpad version %s\n", version)
		},
	}
}
