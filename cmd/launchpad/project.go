package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newProjectCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage registered workspaces",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "register <path>",
			Short: "Register a workspace directory or its .launchpad.toml",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := flags.loadConfig()
				if err != nil {
					return err
				}
				projects, err := openProjects(cfg, false)
				if err != nil {
					return err
				}
				defer projects.Shutdown()

				p, err := projects.RegisterProject(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", p.Name, p.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List registered workspaces",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := flags.loadConfig()
				if err != nil {
					return err
				}
				projects, err := openProjects(cfg, false)
				if err != nil {
					return err
				}
				defer projects.Shutdown()

				list := projects.List()
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No registered projects")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPATH")
				for _, p := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, p.Path)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:     "unregister <id>",
			Aliases: []string{"rm"},
			Short:   "Forget a registered workspace",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := flags.loadConfig()
				if err != nil {
					return err
				}
				projects, err := openProjects(cfg, false)
				if err != nil {
					return err
				}
				defer projects.Shutdown()

				if err := projects.UnregisterProject(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unregistered %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
