package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/launchpad/internal/action"
	"github.com/ternarybob/launchpad/internal/api"
	"github.com/ternarybob/launchpad/internal/config"
	"github.com/ternarybob/launchpad/internal/logger"
	"github.com/ternarybob/launchpad/internal/mcp"
	"github.com/ternarybob/launchpad/internal/project"
	"github.com/ternarybob/launchpad/internal/service"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the service",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}
}

func runServe(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	if running, pid := service.IsRunning(cfg); running {
		return fmt.Errorf("service already running (PID %d)", pid)
	}

	log := logger.SetupLogger(cfg)

	projects, err := openProjects(cfg, true)
	if err != nil {
		return err
	}

	actions := action.NewManager(cfg, projects, action.WithLogger(log))
	apiServer := api.NewServer(cfg, projects, actions)

	daemon := service.NewDaemon(cfg)
	daemon.OnShutdown(actions.Shutdown)
	daemon.OnShutdown(func(context.Context) error {
		projects.Shutdown()
		return nil
	})

	if err := daemon.Start(apiServer.Handler()); err != nil {
		projects.Shutdown()
		return fmt.Errorf("start daemon: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "launchpad v%s started on %s\n", version, daemon.Addr())
	fmt.Fprintf(out, "API: http://%s/sessions\n", daemon.Addr())

	daemon.Wait()
	return nil
}

// openProjects loads the workspace registry and initializes a manager over it.
func openProjects(cfg *config.Config, watch bool) (*project.Manager, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	registry := project.NewRegistry(cfg)
	if err := registry.Load(); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	projects := project.NewManager(registry, watch)
	if err := projects.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize projects: %w", err)
	}
	return projects, nil
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if running, pid := service.IsRunning(cfg); running {
				fmt.Fprintf(out, "launchpad: running (PID %d)\n", pid)
				fmt.Fprintf(out, "Address: %s\n", cfg.Address())
			} else {
				fmt.Fprintln(out, "launchpad: stopped")
			}
			return nil
		},
	}
}

func newStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			running, pid := service.IsRunning(cfg)
			if !running {
				fmt.Fprintln(out, "launchpad is not running")
				return nil
			}

			fmt.Fprintf(out, "Stopping launchpad (PID %d)...\n", pid)
			if err := service.StopRunning(cfg); err != nil {
				return err
			}
			fmt.Fprintln(out, "launchpad stopped")
			return nil
		},
	}
}

func newMCPCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "mcp",
		Aliases: []string{"mcp-server"},
		Short:   "Start MCP server (stdio mode)",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				cfg = config.DefaultConfig()
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("ensure directories: %w", err)
			}

			// Stdout carries the protocol, so logs go to the file only.
			cfg.Logging.Output = []string{"file"}
			log := logger.SetupLogger(cfg)

			projects, err := openProjects(cfg, true)
			if err != nil {
				return err
			}
			defer projects.Shutdown()

			actions := action.NewManager(cfg, projects, action.WithLogger(log))
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.TerminateTimeout()+cfg.KillGrace())
				defer cancel()
				_ = actions.Shutdown(ctx)
			}()

			return mcp.NewHandler(cfg, projects, actions, version).ServeStdio()
		},
	}
}
