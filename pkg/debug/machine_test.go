package debug

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/session"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/status"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

type recordingReporter struct {
	mu      sync.Mutex
	updates []status.Status
}

func (r *recordingReporter) UpdateStatus(_ string, s status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, s)
}

func (r *recordingReporter) all() []status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Status(nil), r.updates...)
}

func (r *recordingReporter) count(s status.Status) int {
	n := 0
	for _, u := range r.all() {
		if u == s {
			n++
		}
	}
	return n
}

type fakePipeline struct {
	mu         sync.Mutex
	targets    int
	tests      [][]string
	err        error
	blockUntil chan struct{}
}

func (p *fakePipeline) BuildTarget(cc *command.Context) error {
	p.mu.Lock()
	p.targets++
	p.mu.Unlock()
	if p.blockUntil != nil {
		select {
		case <-p.blockUntil:
		case <-cc.Done():
			return shell.ErrUserTerminated
		}
	}
	return p.err
}

func (p *fakePipeline) BuildTests(_ *command.Context, ids []string) error {
	p.mu.Lock()
	p.tests = append(p.tests, ids)
	p.mu.Unlock()
	return p.err
}

func (p *fakePipeline) builds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targets
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	stops    int
	err      error
	onExit   func(error)
}

func (l *fakeLauncher) Launch(_ *command.Context, _ string, onExit func(error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	l.onExit = onExit
	return l.err
}

func (l *fakeLauncher) Stop(*command.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	return nil
}

func (l *fakeLauncher) counts() (launches, stops int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches, l.stops
}

func (l *fakeLauncher) exit(err error) {
	l.mu.Lock()
	fn := l.onExit
	l.mu.Unlock()
	fn(err)
}

type countingFocus struct {
	mu sync.Mutex
	n  int
}

func (f *countingFocus) Focus(*command.Context) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
}

func (f *countingFocus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type harness struct {
	registry   *session.Registry
	cc         *command.Context
	completion *session.Completion
	reporter   *recordingReporter
	pipeline   *fakePipeline
	launcher   *fakeLauncher
	logDir     string
}

func newHarness(t *testing.T, id string, values workspace.Values) *harness {
	t.Helper()
	h := &harness{
		registry: session.NewRegistry(),
		reporter: &recordingReporter{},
		pipeline: &fakePipeline{},
		launcher: &fakeLauncher{},
		logDir:   t.TempDir(),
	}
	h.cc = command.New(shell.NewExecutor(shell.WithSurfaceFactory(shell.DiscardSurfaces())), values.Settings())
	c, err := h.registry.Register(id, h.cc)
	require.NoError(t, err)
	h.completion = c
	return h
}

func (h *harness) config(id string, kind Kind) Config {
	return Config{
		SessionID: id,
		Kind:      kind,
		LogDir:    h.logDir,
		Registry:  h.registry,
		Pipeline:  h.pipeline,
		Launcher:  h.launcher,
		Reporter:  h.reporter,
		Focus:     &countingFocus{},
	}
}

func startMachine(cfg Config) *Machine {
	m := NewMachine(cfg)
	m.Start()
	m.Dispatch(WillStart{})
	return m
}

func waitState(t *testing.T, m *Machine, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == s }, 2*time.Second, 5*time.Millisecond)
}

func waitStopped(t *testing.T, m *Machine) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("machine did not stop")
	}
	assert.Equal(t, Stopped, m.State())
}

func TestMachine_RunReportsStatusesInOrder(t *testing.T) {
	h := newHarness(t, "s1", workspace.Values{Scheme: "App"})
	m := startMachine(h.config("s1", KindRun))

	waitState(t, m, Running)
	assert.Equal(t, []status.Status{status.Configuring, status.Building, status.Launching}, h.reporter.all())
	assert.Equal(t, 1, h.pipeline.builds())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.completion.Wait(ctx))

	m.Dispatch(StopRequested{})
	waitStopped(t, m)

	assert.Equal(t, status.Stopped, h.reporter.all()[3])
	assert.True(t, h.cc.Cancelled())
	_, ok := h.registry.Lookup("s1")
	assert.False(t, ok)

	var states []State
	for _, tr := range m.History() {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{Building, Launching, Running, Stopping, Stopped}, states)
}

func TestMachine_BuildFailureStopsOnce(t *testing.T) {
	h := newHarness(t, "s1", workspace.Values{Scheme: "App"})
	h.pipeline.err = &shell.TaskError{Command: "xcodebuild", ExitCode: 2}
	m := startMachine(h.config("s1", KindRun))

	waitStopped(t, m)

	te, ok := shell.IsTaskError(m.Result())
	require.True(t, ok)
	assert.Equal(t, 2, te.ExitCode)
	assert.Equal(t, 1, h.reporter.count(status.Stopped))
	assert.Equal(t, 0, h.reporter.count(status.Launching))
	launches, stops := h.launcher.counts()
	assert.Equal(t, 0, launches)
	assert.Equal(t, 1, stops)

	assert.True(t, h.completion.Failure().Fired())
	assert.False(t, h.cc.Cancelled(), "a failed build is not a cancellation")
}

func TestMachine_BuildOnlyCompletes(t *testing.T) {
	h := newHarness(t, "b", workspace.Values{Scheme: "App"})
	m := startMachine(h.config("b", KindBuild))

	waitStopped(t, m)

	assert.NoError(t, m.Result())
	assert.True(t, h.completion.Success().Fired())
	launches, _ := h.launcher.counts()
	assert.Equal(t, 0, launches)
	assert.Equal(t, []status.Status{status.Configuring, status.Building, status.Stopped}, h.reporter.all())
}

func TestMachine_TestKindSelfTerminates(t *testing.T) {
	h := newHarness(t, "t", workspace.Values{Scheme: "App"})
	cfg := h.config("t", KindTest)
	cfg.TestIDs = []string{"AppTests/testOne"}
	m := startMachine(cfg)

	waitStopped(t, m)

	assert.NoError(t, m.Result())
	assert.Equal(t, [][]string{{"AppTests/testOne"}}, h.pipeline.tests)
	assert.Equal(t, 0, h.pipeline.builds())
	launches, _ := h.launcher.counts()
	assert.Equal(t, 1, launches)
	assert.True(t, h.completion.Success().Fired())
}

func TestMachine_LaunchFailure(t *testing.T) {
	h := newHarness(t, "s", workspace.Values{Scheme: "App"})
	h.launcher.err = errors.New("install failed")
	m := startMachine(h.config("s", KindDebug))

	waitStopped(t, m)

	assert.EqualError(t, m.Result(), "install failed")
	assert.Equal(t, "install failed", h.completion.Failure().Err().Error())
}

func TestMachine_StopDuringBuildCancels(t *testing.T) {
	h := newHarness(t, "s", workspace.Values{Scheme: "App"})
	h.pipeline.blockUntil = make(chan struct{})
	m := startMachine(h.config("s", KindRun))

	waitState(t, m, Building)
	m.Dispatch(StopRequested{})
	waitStopped(t, m)

	assert.ErrorIs(t, m.Result(), shell.ErrUserTerminated)
	assert.True(t, h.cc.Cancelled())
	assert.True(t, h.completion.Failure().Fired())
	launches, _ := h.launcher.counts()
	assert.Equal(t, 0, launches)
}

func TestMachine_TerminateIsIdempotent(t *testing.T) {
	h := newHarness(t, "s", workspace.Values{Scheme: "App"})
	m := startMachine(h.config("s", KindRun))
	waitState(t, m, Running)

	m.Dispatch(StopRequested{})
	m.Dispatch(StopRequested{})
	m.Dispatch(ProcessExited{})
	waitStopped(t, m)

	// Late events are dropped without blocking.
	m.Dispatch(StopRequested{})

	assert.Equal(t, 1, h.reporter.count(status.Stopped))
	_, stops := h.launcher.counts()
	assert.Equal(t, 1, stops)
}

func TestMachine_ProcessExitEndsWithoutCancelling(t *testing.T) {
	h := newHarness(t, "s", workspace.Values{Scheme: "App"})
	m := startMachine(h.config("s", KindRun))
	waitState(t, m, Running)

	h.launcher.exit(nil)
	waitStopped(t, m)

	assert.NoError(t, m.Result())
	assert.False(t, h.cc.Cancelled())
	_, ok := h.registry.Lookup("s")
	assert.False(t, ok)
}

func TestMachine_ExitedEventWithCode(t *testing.T) {
	h := newHarness(t, "s", workspace.Values{Scheme: "App"})
	m := startMachine(h.config("s", KindDebug))
	waitState(t, m, Running)

	m.Dispatch(Message{Msg: &dap.ExitedEvent{Body: dap.ExitedEventBody{ExitCode: 3}}})
	waitStopped(t, m)

	var exitErr *ExitError
	require.ErrorAs(t, m.Result(), &exitErr)
	assert.Equal(t, 3, exitErr.Code)
}

func TestMachine_UnregisteredSessionEnds(t *testing.T) {
	reporter := &recordingReporter{}
	launcher := &fakeLauncher{}
	m := startMachine(Config{
		SessionID: "ghost",
		Registry:  session.NewRegistry(),
		Pipeline:  &fakePipeline{},
		Launcher:  launcher,
		Reporter:  reporter,
	})

	waitStopped(t, m)

	assert.ErrorIs(t, m.Result(), ErrSessionEnded)
	assert.Equal(t, []status.Status{status.Configuring, status.Stopped}, reporter.all())
	_, stops := launcher.counts()
	assert.Equal(t, 0, stops)
}

func TestMachine_ConcurrentSessionsAreIndependent(t *testing.T) {
	registry := session.NewRegistry()
	tracker := status.NewTracker()

	type pair struct {
		m  *Machine
		cc *command.Context
	}
	var sessions []pair
	for _, id := range []string{"a", "b", "c"} {
		cc := command.New(shell.NewExecutor(shell.WithSurfaceFactory(shell.DiscardSurfaces())), workspace.Values{Scheme: "App"}.Settings())
		_, err := registry.Register(id, cc)
		require.NoError(t, err)
		m := startMachine(Config{
			SessionID: id,
			Registry:  registry,
			Pipeline:  &fakePipeline{},
			Launcher:  &fakeLauncher{},
			Reporter:  tracker,
			Focus:     &countingFocus{},
		})
		sessions = append(sessions, pair{m: m, cc: cc})
	}
	for _, s := range sessions {
		waitState(t, s.m, Running)
	}

	sessions[1].m.Dispatch(StopRequested{})
	waitStopped(t, sessions[1].m)

	assert.Equal(t, Running, sessions[0].m.State())
	assert.Equal(t, Running, sessions[2].m.State())
	assert.False(t, sessions[0].cc.Cancelled())
	assert.True(t, sessions[1].cc.Cancelled())
	assert.Equal(t, 2, registry.Len())

	cur, ok := tracker.Current("b")
	require.True(t, ok)
	assert.Equal(t, status.Stopped, cur)
	cur, _ = tracker.Current("a")
	assert.Equal(t, status.Launching, cur)
}

func TestMachine_BuildPolicy(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "App.app")
	require.NoError(t, os.MkdirAll(existing, 0755))
	missing := filepath.Join(t.TempDir(), "Missing.app")

	tests := []struct {
		name     string
		policy   BuildPolicy
		artifact string
		answer   bool
		want     int
	}{
		{"always", PolicyAlways, existing, false, 1},
		{"never", PolicyNever, missing, true, 0},
		{"ask with missing artifact", PolicyAsk, missing, false, 1},
		{"ask declined", PolicyAsk, existing, false, 0},
		{"ask accepted", PolicyAsk, existing, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "p", workspace.Values{Scheme: "App", Artifact: tt.artifact})
			cfg := h.config("p", KindRun)
			cfg.Policy = tt.policy
			cfg.Prompter = StaticPrompter(tt.answer)
			m := startMachine(cfg)

			waitState(t, m, Running)
			assert.Equal(t, tt.want, h.pipeline.builds())

			m.Dispatch(StopRequested{})
			waitStopped(t, m)
		})
	}
}

func TestMachine_ContinueRefreshesBreakpointsOnce(t *testing.T) {
	h := newHarness(t, "s", workspace.Values{Scheme: "App"})

	var mu sync.Mutex
	var sent []*dap.SetBreakpointsRequest
	bps := NewBreakpointSet(func(msg dap.Message) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, msg.(*dap.SetBreakpointsRequest))
		return nil
	})
	f := &countingFocus{}

	cfg := h.config("s", KindDebug)
	cfg.RefreshBreakpoints = true
	cfg.Breakpoints = bps
	cfg.Focus = f
	m := startMachine(cfg)
	waitState(t, m, Running)

	m.Dispatch(Message{Msg: &dap.SetBreakpointsRequest{
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: "/src/main.swift"},
			Breakpoints: []dap.SourceBreakpoint{{Line: 10}, {Line: 20}},
		},
	}})
	m.Dispatch(Message{Msg: &dap.ContinueResponse{}})
	m.Dispatch(Message{Msg: &dap.ContinuedEvent{}})

	require.Eventually(t, func() bool { return f.count() == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	// One removal then one re-add for the single source.
	require.Len(t, sent, 2)
	assert.Empty(t, sent[0].Arguments.Breakpoints)
	assert.Len(t, sent[1].Arguments.Breakpoints, 2)
	mu.Unlock()

	assert.Len(t, bps.Breakpoints(), 2)

	m.Dispatch(StopRequested{})
	waitStopped(t, m)
}

func TestMachine_OutputIsLogged(t *testing.T) {
	h := newHarness(t, "s", workspace.Values{Scheme: "App"})
	m := startMachine(h.config("s", KindRun))
	waitState(t, m, Running)

	m.Dispatch(Output{Category: "stdout", Text: "hello"})
	m.Dispatch(Message{Msg: &dap.OutputEvent{Body: dap.OutputEventBody{Category: "stderr", Output: "oops"}}})
	m.Dispatch(StopRequested{})
	waitStopped(t, m)

	lines, err := session.ReadLog(h.logDir, "s", 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[stdout] hello")
	assert.Contains(t, lines[1], "[stderr] oops")
}

func TestParseBuildPolicy(t *testing.T) {
	p, err := ParseBuildPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAlways, p)

	p, err = ParseBuildPolicy("ASK")
	require.NoError(t, err)
	assert.Equal(t, PolicyAsk, p)

	_, err = ParseBuildPolicy("sometimes")
	assert.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, Configuring.CanTransition(Building))
	assert.True(t, Running.CanTransition(Stopping))
	assert.False(t, Running.CanTransition(Building))
	assert.False(t, Stopped.CanTransition(Stopping))
	assert.False(t, Configuring.CanTransition(Stopped))
}
