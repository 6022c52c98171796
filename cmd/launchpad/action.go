package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/launchpad/internal/action"
	"github.com/ternarybob/launchpad/internal/logger"
	"github.com/ternarybob/launchpad/pkg/debug"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

type actionDef struct {
	kind  debug.Kind
	short string
}

var actionCommands = []actionDef{
	{debug.KindBuild, "Build the workspace scheme"},
	{debug.KindRun, "Build and launch the app"},
	{debug.KindDebug, "Build and launch the app waiting for a debugger"},
	{debug.KindTest, "Build and run tests"},
}

type actionFlags struct {
	policy             string
	tests              []string
	devices            []string
	args               []string
	env                map[string]string
	refreshBreakpoints bool
}

func newActionCmd(flags *globalFlags, def actionDef) *cobra.Command {
	af := &actionFlags{}
	cmd := &cobra.Command{
		Use:   def.kind.String() + " [workspace]",
		Short: def.short,
		Long: def.short + `.

The workspace is a directory holding .launchpad.toml, the file itself, or the
id of a registered project. It defaults to the current directory. Ctrl-C stops
the action and everything it started.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := "."
			if len(args) == 1 {
				ref = args[0]
			}
			req, err := af.request(def.kind, ref)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAction(ctx, cmd, flags, req)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&af.policy, "build-policy", "b", "", "Build before launch: always, ask, never (default from config)")
	switch def.kind {
	case debug.KindTest:
		fs.StringSliceVarP(&af.tests, "tests", "t", nil, "Test identifiers to run, e.g. AppTests/LoginTests")
	case debug.KindRun, debug.KindDebug:
		fs.StringArrayVarP(&af.devices, "device", "d", nil, "Device as platform:id, repeatable to run on several")
		fs.StringArrayVar(&af.args, "arg", nil, "Argument passed to the app, repeatable")
		fs.StringToStringVar(&af.env, "env", nil, "Environment for the app as KEY=VALUE")
	}
	if def.kind == debug.KindDebug {
		fs.BoolVar(&af.refreshBreakpoints, "refresh-breakpoints", false, "Re-set breakpoints on the first continue")
	}
	return cmd
}

// request turns flags into an action request. Paths are made absolute so the
// session reports where it ran.
func (af *actionFlags) request(kind debug.Kind, ref string) (action.Request, error) {
	if _, err := os.Stat(ref); err == nil {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return action.Request{}, fmt.Errorf("resolve workspace: %w", err)
		}
		ref = abs
	}

	if _, err := debug.ParseBuildPolicy(af.policy); err != nil {
		return action.Request{}, err
	}

	req := action.Request{
		Kind:               kind,
		Workspace:          ref,
		Policy:             af.policy,
		TestIDs:            af.tests,
		Args:               af.args,
		Env:                af.env,
		RefreshBreakpoints: af.refreshBreakpoints,
	}
	for _, d := range af.devices {
		target, err := parseDevice(d)
		if err != nil {
			return action.Request{}, err
		}
		req.Devices = append(req.Devices, target)
	}
	return req, nil
}

// parseDevice parses "platform:id". The id may be omitted for macOS.
func parseDevice(s string) (workspace.DeviceTarget, error) {
	name, id, _ := strings.Cut(s, ":")
	platform, err := workspace.ParsePlatform(name)
	if err != nil {
		return workspace.DeviceTarget{}, fmt.Errorf("device %q: %w", s, err)
	}
	if id == "" && platform.IsSimulator() {
		return workspace.DeviceTarget{}, fmt.Errorf("device %q: simulator id required", s)
	}
	return workspace.DeviceTarget{ID: id, Platform: platform}, nil
}

// runAction runs req in the foreground until it stops or ctx ends. Ending ctx
// cancels the action and waits for its processes to be cleaned up.
func runAction(ctx context.Context, cmd *cobra.Command, flags *globalFlags, req action.Request) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	log := logger.SetupLogger(cfg)

	projects, err := openProjects(cfg, false)
	if err != nil {
		return err
	}
	defer projects.Shutdown()

	out := &syncWriter{w: cmd.OutOrStdout()}
	actions := action.NewManager(cfg, projects,
		action.WithLogger(log),
		action.WithPrompter(newStdinPrompter(cmd.InOrStdin(), out)),
		action.WithSurfaces(shell.MultiSurfaces(
			shell.ConsoleSurfaces(out),
			shell.FileSurfaces(cfg.TerminalsDir()),
		)),
	)

	updates := actions.Tracker().Subscribe()
	defer actions.Tracker().Unsubscribe(updates)

	sess, err := actions.Start(req)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for u := range updates {
			if u.SessionID == sess.ID {
				fmt.Fprintf(out, "==> %s\n", u.Status)
			}
		}
	}()

	select {
	case <-sess.Done():
	case <-ctx.Done():
		fmt.Fprintln(out, "Stopping...")
		_ = actions.Cancel(sess.ID)
		<-sess.Done()
	}

	actions.Tracker().Unsubscribe(updates)
	wg.Wait()

	result := sess.Machine().Result()
	if result != nil {
		return fmt.Errorf("%s failed: %w", req.Kind, result)
	}
	fmt.Fprintf(out, "%s finished\n", req.Kind)
	return nil
}

// syncWriter serializes status lines with process output on one stream.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// exitCode maps an action failure onto the process exit status.
func exitCode(err error) int {
	var exited *debug.ExitError
	if errors.As(err, &exited) && exited.Code > 0 {
		return exited.Code
	}
	if te, ok := shell.IsTaskError(err); ok && te.ExitCode > 0 {
		return te.ExitCode
	}
	if errors.Is(err, shell.ErrUserTerminated) {
		return 130
	}
	return 1
}

// stdinPrompter asks on the terminal whether to rebuild an existing artifact.
type stdinPrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newStdinPrompter(in io.Reader, out io.Writer) *stdinPrompter {
	return &stdinPrompter{in: bufio.NewReader(in), out: out}
}

// ConfirmBuild reads a yes/no answer. End of input means no.
func (p *stdinPrompter) ConfirmBuild(_, artifactPath string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s already exists. Build before launch? [y/N] ", artifactPath)
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
