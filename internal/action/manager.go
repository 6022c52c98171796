// Package action wires one user action (build, run, debug, test) end to end:
// a Context registered under a fresh session id, driven by a debug session
// state machine.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/launchpad/internal/config"
	"github.com/ternarybob/launchpad/internal/logger"
	"github.com/ternarybob/launchpad/pkg/build"
	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/debug"
	"github.com/ternarybob/launchpad/pkg/run"
	"github.com/ternarybob/launchpad/pkg/session"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/status"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// SettingsSource resolves a workspace reference to its settings.
type SettingsSource interface {
	Settings(ref string) (workspace.Settings, error)
}

// SettingsFunc adapts a function to SettingsSource.
type SettingsFunc func(ref string) (workspace.Settings, error)

// Settings calls f.
func (f SettingsFunc) Settings(ref string) (workspace.Settings, error) {
	return f(ref)
}

// Request describes one user action.
type Request struct {
	Kind      debug.Kind        `json:"kind"`
	Workspace string            `json:"workspace"`
	Policy    string            `json:"build_policy,omitempty"`
	TestIDs   []string          `json:"tests,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`

	// Devices overrides the workspace device. More than one runs on each.
	Devices []workspace.DeviceTarget `json:"devices,omitempty"`

	RefreshBreakpoints bool `json:"refresh_breakpoints,omitempty"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string        `json:"id"`
	Kind      debug.Kind    `json:"kind"`
	Workspace string        `json:"workspace"`
	State     debug.State   `json:"state"`
	Status    status.Status `json:"status,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Session is one running or finished action.
type Session struct {
	ID        string
	Request   Request
	StartedAt time.Time

	machine    *debug.Machine
	cc         *command.Context
	completion *session.Completion

	mu       sync.Mutex
	outbound []dap.Message
	endedAt  time.Time
}

// Machine returns the session's state machine.
func (s *Session) Machine() *debug.Machine {
	return s.machine
}

// Context returns the session's command context.
func (s *Session) Context() *command.Context {
	return s.cc
}

// Completion settles once the action has succeeded or failed. A run or
// debug action succeeds when the app is up, before the session ends.
func (s *Session) Completion() *session.Completion {
	return s.completion
}

// Done is closed once the session reached Stopped.
func (s *Session) Done() <-chan struct{} {
	return s.machine.Done()
}

// Wait blocks until the session stops and returns how it ended.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.machine.Done():
		return s.machine.Result()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainOutbound returns and clears the protocol messages queued for the
// debugger, such as breakpoint refreshes.
func (s *Session) DrainOutbound() []dap.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbound
	s.outbound = nil
	return out
}

func (s *Session) queue(msg dap.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, msg)
	return nil
}

// Manager starts and tracks actions.
type Manager struct {
	cfg      *config.Config
	source   SettingsSource
	registry *session.Registry
	tracker  *status.Tracker
	runner   *run.Manager
	pipeline build.Pipeline
	tests    build.Xcodebuild
	prompter debug.Prompter
	surfaces shell.SurfaceFactory
	shared   *shell.Surfaces
	logger   arbor.ILogger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrompter sets the answerer for the "ask" build policy.
func WithPrompter(p debug.Prompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// WithSurfaces sets where process output goes.
func WithSurfaces(f shell.SurfaceFactory) Option {
	return func(m *Manager) { m.surfaces = f }
}

// WithXcodebuild replaces the build tool used for builds and tests.
func WithXcodebuild(x build.Xcodebuild) Option {
	return func(m *Manager) {
		m.pipeline = x
		m.tests = x
	}
}

// WithPipeline replaces only the build step.
func WithPipeline(p build.Pipeline) Option {
	return func(m *Manager) { m.pipeline = p }
}

// WithRunOptions replaces the run manager tuning derived from config.
func WithRunOptions(opts run.Options) Option {
	return func(m *Manager) { m.runner = m.newRunner(opts) }
}

// WithLogger sets the logger.
func WithLogger(l arbor.ILogger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager.
func NewManager(cfg *config.Config, source SettingsSource, opts ...Option) *Manager {
	x := build.Xcodebuild{}
	m := &Manager{
		cfg:      cfg,
		source:   source,
		registry: session.NewRegistry(),
		tracker:  status.NewTracker(),
		pipeline: x,
		tests:    x,
		prompter: debug.StaticPrompter(false),
		surfaces: shell.FileSurfaces(cfg.TerminalsDir()),
		logger:   logger.GetLogger(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = m.newRunner(RunOptions(cfg))
	}
	// Terminals are named per task, so sessions share one set.
	m.shared = shell.NewSurfaces(m.surfaces)
	return m
}

// RunOptions derives run manager tuning from config.
func RunOptions(cfg *config.Config) run.Options {
	opts := run.DefaultOptions()
	opts.TerminateTimeout = cfg.TerminateTimeout()
	opts.BootPollInterval = cfg.BootPollInterval()
	opts.MaxRecoveryRetries = cfg.Run.MaxRecoveryRetries
	if cfg.Run.SimulatorNotRespondingCode != 0 {
		opts.NotRespondingCode = cfg.Run.SimulatorNotRespondingCode
	}
	opts.AbortOnDeviceFailure = cfg.Run.AbortOnDeviceFailure
	opts.StreamLogs = cfg.Run.StreamLogs
	return opts
}

func (m *Manager) newRunner(opts run.Options) *run.Manager {
	var waiter run.DebugWaiter = run.NoopWaiter{}
	if m.cfg.DebugWait.Script != "" {
		waiter = run.ScriptWaiter{Script: m.cfg.DebugWait.Script}
	}
	return run.NewManager(opts, waiter, m.logger)
}

// Tracker returns the status tracker shared by all sessions.
func (m *Manager) Tracker() *status.Tracker {
	return m.tracker
}

// Registry returns the session registry.
func (m *Manager) Registry() *session.Registry {
	return m.registry
}

// Start begins an action and returns its session.
func (m *Manager) Start(req Request) (*Session, error) {
	settings, err := m.source.Settings(req.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}

	policy := debug.BuildPolicy(req.Policy)
	if req.Policy == "" {
		policy = debug.BuildPolicy(m.cfg.Build.Policy)
	}
	if policy, err = debug.ParseBuildPolicy(string(policy)); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	executor := shell.NewExecutor(
		shell.WithSurfaces(m.shared),
		shell.WithLogger(m.logger),
		shell.WithKillGrace(m.cfg.KillGrace()),
	)
	cc := command.New(executor, settings, command.WithLogger(m.logger))

	completion, err := m.registry.Register(id, cc)
	if err != nil {
		executor.Close()
		return nil, err
	}

	sess := &Session{
		ID:         id,
		Request:    req,
		StartedAt:  time.Now(),
		cc:         cc,
		completion: completion,
	}

	sess.machine = debug.NewMachine(debug.Config{
		SessionID:          id,
		Kind:               req.Kind,
		Policy:             policy,
		TestIDs:            req.TestIDs,
		RefreshBreakpoints: req.RefreshBreakpoints,
		LogDir:             m.cfg.SessionsDir(),
		Registry:           m.registry,
		Pipeline:           m.pipeline,
		Launcher:           m.launcher(req),
		Reporter:           m.tracker,
		Prompter:           m.prompter,
		Breakpoints:        debug.NewBreakpointSet(sess.queue),
		Logger:             m.logger,
	})

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	sess.machine.Start()
	sess.machine.Dispatch(debug.WillStart{})

	go m.reap(sess, executor)

	m.logger.Info().
		Str("session_id", id).
		Str("kind", req.Kind.String()).
		Str("workspace", req.Workspace).
		Msg("Action started")

	return sess, nil
}

func (m *Manager) launcher(req Request) debug.Launcher {
	if req.Kind == debug.KindTest {
		return testLauncher{runner: m.tests, ids: req.TestIDs}
	}
	return run.AppLauncher{
		Manager:         m.runner,
		WaitForDebugger: req.Kind == debug.KindDebug,
		Devices:         req.Devices,
		Args:            req.Args,
		Env:             req.Env,
	}
}

// reap releases the session's processes once it stopped.
func (m *Manager) reap(sess *Session, executor *shell.Executor) {
	<-sess.machine.Done()
	executor.Close()

	sess.mu.Lock()
	sess.endedAt = time.Now()
	sess.mu.Unlock()

	if err := sess.machine.Result(); err != nil {
		m.logger.Info().Str("session_id", sess.ID).Err(err).Msg("Action finished")
		return
	}
	m.logger.Info().Str("session_id", sess.ID).Msg("Action finished")
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return sess, nil
}

// Info returns a view of the session with id.
func (m *Manager) Info(id string) (Info, error) {
	sess, err := m.Get(id)
	if err != nil {
		return Info{}, err
	}
	return m.info(sess), nil
}

func (m *Manager) info(sess *Session) Info {
	info := Info{
		ID:        sess.ID,
		Kind:      sess.Request.Kind,
		Workspace: sess.Request.Workspace,
		State:     sess.machine.State(),
		StartedAt: sess.StartedAt,
	}
	if st, ok := m.tracker.Current(sess.ID); ok {
		info.Status = st
	}
	sess.mu.Lock()
	if !sess.endedAt.IsZero() {
		ended := sess.endedAt
		info.EndedAt = &ended
	}
	sess.mu.Unlock()
	if err := sess.machine.Result(); err != nil {
		info.Error = err.Error()
	}
	return info
}

// List returns every known session, newest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, m.info(s))
	}
	return out
}

// Dispatch forwards an event to the session's state machine.
func (m *Manager) Dispatch(id string, ev debug.Event) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.machine.Dispatch(ev)
	return nil
}

// Cancel asks the session to stop and cancel its action.
func (m *Manager) Cancel(id string) error {
	return m.Dispatch(id, debug.StopRequested{})
}

// Forget drops a stopped session from the manager and the status tracker.
func (m *Manager) Forget(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	select {
	case <-sess.Done():
	default:
		return fmt.Errorf("session %s is still running", id)
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.tracker.Forget(id)
	m.runner.Forget(id)
	return nil
}

// Shutdown cancels every running session and waits for them to stop or for
// ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.machine.Dispatch(debug.StopRequested{})
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.shared.Close()
	return nil
}

// testLauncher runs already built tests as the launch step of a test action.
type testLauncher struct {
	runner build.Xcodebuild
	ids    []string
}

func (l testLauncher) Launch(cc *command.Context, _ string, _ func(error)) error {
	return l.runner.RunTests(cc, l.ids)
}

func (l testLauncher) Stop(*command.Context, string) error {
	return nil
}
