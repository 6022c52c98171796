// Package debug runs one debug session through its lifecycle: configure,
// build, launch, run, and a single terminal stop.
package debug

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/go-dap"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/launchpad/internal/logger"
	"github.com/ternarybob/launchpad/pkg/build"
	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/focus"
	"github.com/ternarybob/launchpad/pkg/session"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/status"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

// ErrSessionEnded is the outcome of a session whose action was no longer
// registered when it started.
var ErrSessionEnded = errors.New("session already ended")

// Launcher starts and stops the app for a session. onExit is called when a
// directly spawned app process exits.
type Launcher interface {
	Launch(cc *command.Context, sessionID string, onExit func(error)) error
	Stop(cc *command.Context, sessionID string) error
}

// Focuser brings the running app to the foreground.
type Focuser interface {
	Focus(cc *command.Context)
}

// ExitError reports a non-zero exit code seen by the debugger.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("app exited with code %d", e.Code)
}

// Config wires a Machine to its collaborators.
type Config struct {
	SessionID string
	Kind      Kind
	Policy    BuildPolicy
	TestIDs   []string

	// RefreshBreakpoints re-sets every breakpoint on the first continue.
	RefreshBreakpoints bool
	// LogDir holds the session log. Empty disables it.
	LogDir string

	Registry    *session.Registry
	Pipeline    build.Pipeline
	Launcher    Launcher
	Reporter    status.Reporter
	Prompter    Prompter
	Breakpoints BreakpointHost
	// Focus defaults to a focus.Helper for the session's device.
	Focus  Focuser
	Logger arbor.ILogger
}

// Machine is the state machine of one debug session. Events are handled
// one at a time by a single goroutine.
type Machine struct {
	cfg    Config
	logger arbor.ILogger

	events chan Event
	done   chan struct{}
	start  sync.Once

	mu      sync.RWMutex
	state   State
	history []Transition
	result  error

	// Owned by the loop goroutine.
	started    bool
	terminated bool
	refreshed  bool
	cc         *command.Context
	completion *session.Completion
	log        *session.Log
	focuser    Focuser
}

// NewMachine creates a Machine in Configuring. Call Start to run it.
func NewMachine(cfg Config) *Machine {
	if cfg.Reporter == nil {
		cfg.Reporter = status.Noop{}
	}
	if cfg.Prompter == nil {
		cfg.Prompter = StaticPrompter(true)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyAlways
	}
	l := cfg.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	return &Machine{
		cfg:    cfg,
		logger: l,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		state:  Configuring,
	}
}

// Start runs the event loop. It is a no-op after the first call.
func (m *Machine) Start() {
	m.start.Do(func() {
		go m.loop()
	})
}

// Dispatch queues ev. Events sent after the machine stopped are dropped.
func (m *Machine) Dispatch(ev Event) {
	select {
	case <-m.done:
	case m.events <- ev:
	}
}

// Done returns a channel closed once the machine reaches Stopped.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// SessionID returns the session id.
func (m *Machine) SessionID() string {
	return m.cfg.SessionID
}

// Kind returns the action kind.
func (m *Machine) Kind() Kind {
	return m.cfg.Kind
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// History returns every transition so far.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Result returns the error the session ended with, once Stopped.
func (m *Machine) Result() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.result
}

func (m *Machine) loop() {
	defer close(m.done)
	for ev := range m.events {
		m.handle(ev)
		if m.terminated {
			return
		}
	}
}

func (m *Machine) handle(ev Event) {
	switch e := ev.(type) {
	case WillStart:
		m.onWillStart()
	case advance:
		if m.transition(e.to) {
			switch e.to {
			case Building:
				m.cfg.Reporter.UpdateStatus(m.cfg.SessionID, status.Building)
			case Launching:
				m.cfg.Reporter.UpdateStatus(m.cfg.SessionID, status.Launching)
			}
		}
	case stepDone:
		m.onStepDone(e)
	case StopRequested:
		m.terminate(shell.ErrUserTerminated)
	case ProcessExited:
		m.onProcessExited(e.Err)
	case Message:
		m.onMessage(e.Msg)
	case Output:
		m.appendLog(e.Category, e.Text)
	}
}

func (m *Machine) onWillStart() {
	if m.started {
		return
	}
	m.started = true

	if m.cfg.LogDir != "" {
		l, err := session.OpenLog(m.cfg.LogDir, m.cfg.SessionID)
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", m.cfg.SessionID).Msg("Session log unavailable")
		} else {
			m.log = l
		}
	}

	m.cfg.Reporter.UpdateStatus(m.cfg.SessionID, status.Configuring)

	var rec *session.Record
	if m.cfg.Registry != nil {
		rec, _ = m.cfg.Registry.Record(m.cfg.SessionID)
	}
	if rec == nil || rec.Context == nil {
		m.logger.Info().Str("session_id", m.cfg.SessionID).Msg("No action registered for session, ending")
		m.terminate(ErrSessionEnded)
		return
	}
	m.cc = rec.Context
	m.completion = rec.Completion

	m.logger.Info().
		Str("session_id", m.cfg.SessionID).
		Str("kind", m.cfg.Kind.String()).
		Str("scheme", m.settingsScheme()).
		Msg("Session starting")

	go m.pipeline(m.cc)
}

// pipeline runs build then launch outside the loop and reports back through
// events, so stop requests are handled while a step is in flight.
func (m *Machine) pipeline(cc *command.Context) {
	m.Dispatch(advance{to: Building})
	if err := m.build(cc); err != nil || m.cfg.Kind == KindBuild {
		m.Dispatch(stepDone{step: Building, err: err})
		return
	}

	m.Dispatch(advance{to: Launching})
	m.Dispatch(stepDone{step: Launching, err: m.launch(cc)})
}

func (m *Machine) build(cc *command.Context) error {
	if m.cfg.Pipeline == nil {
		return nil
	}
	if cc.Cancelled() {
		return shell.ErrUserTerminated
	}
	if m.cfg.Kind == KindTest {
		return m.cfg.Pipeline.BuildTests(cc, m.cfg.TestIDs)
	}

	should, err := m.shouldBuild(cc)
	if err != nil {
		return err
	}
	if !should {
		m.logger.Info().Str("session_id", m.cfg.SessionID).Str("policy", string(m.cfg.Policy)).Msg("Skipping build")
		return nil
	}
	return m.cfg.Pipeline.BuildTarget(cc)
}

// shouldBuild applies the build policy. A missing artifact always builds
// unless the policy is never.
func (m *Machine) shouldBuild(cc *command.Context) (bool, error) {
	switch m.cfg.Policy {
	case PolicyNever:
		return false, nil
	case PolicyAsk:
		artifact := ""
		if s := cc.Settings(); s != nil {
			artifact = s.ArtifactPath()
		}
		if artifact == "" {
			return true, nil
		}
		if _, err := os.Stat(artifact); err != nil {
			return true, nil
		}
		ok, err := m.cfg.Prompter.ConfirmBuild(m.cfg.SessionID, artifact)
		if err != nil {
			return false, fmt.Errorf("confirm build: %w", err)
		}
		return ok, nil
	default:
		return true, nil
	}
}

func (m *Machine) launch(cc *command.Context) error {
	if m.cfg.Launcher == nil {
		return nil
	}
	if cc.Cancelled() {
		return shell.ErrUserTerminated
	}
	return m.cfg.Launcher.Launch(cc, m.cfg.SessionID, func(err error) {
		m.Dispatch(ProcessExited{Err: err})
	})
}

func (m *Machine) onStepDone(e stepDone) {
	if m.terminated {
		return
	}
	if e.err != nil {
		if !errors.Is(e.err, shell.ErrUserTerminated) {
			m.logger.Error().Err(e.err).
				Str("session_id", m.cfg.SessionID).
				Str("step", e.step.String()).
				Msg("Session step failed")
			m.appendLog("error", e.err.Error())
		}
		m.terminate(e.err)
		return
	}

	switch {
	case e.step == Building:
		// Build-only action.
		m.terminate(nil)
	case m.cfg.Kind == KindTest:
		m.terminate(nil)
	default:
		if m.transition(Running) && m.completion != nil {
			m.completion.Succeed()
		}
	}
}

func (m *Machine) onProcessExited(err error) {
	if m.terminated {
		return
	}
	if err != nil && !errors.Is(err, shell.ErrUserTerminated) {
		m.logger.Info().Err(err).Str("session_id", m.cfg.SessionID).Msg("App exited with error")
		m.appendLog("error", err.Error())
	}
	if errors.Is(err, shell.ErrUserTerminated) {
		err = nil
	}
	m.terminateWith(err, false)
}

func (m *Machine) onMessage(msg dap.Message) {
	if obs, ok := m.cfg.Breakpoints.(messageObserver); ok {
		obs.Observe(msg)
	}

	switch e := msg.(type) {
	case *dap.ContinueResponse, *dap.ContinuedEvent:
		m.onContinue()
	case *dap.OutputEvent:
		m.appendLog(e.Body.Category, e.Body.Output)
	case *dap.ExitedEvent:
		var err error
		if e.Body.ExitCode != 0 {
			err = &ExitError{Code: e.Body.ExitCode}
		}
		m.onProcessExited(err)
	case *dap.TerminatedEvent:
		m.onProcessExited(nil)
	}
}

func (m *Machine) onContinue() {
	if m.cfg.RefreshBreakpoints && !m.refreshed && m.cfg.Breakpoints != nil {
		m.refreshed = true
		m.refreshBreakpoints()
	}

	if m.cc == nil || m.terminated {
		return
	}
	f := m.focusHelper()
	cc := m.cc
	go f.Focus(cc)
}

// refreshBreakpoints removes and re-adds every breakpoint once, so the
// debugger re-verifies them after attach.
func (m *Machine) refreshBreakpoints() {
	bps := m.cfg.Breakpoints.Breakpoints()
	if len(bps) == 0 {
		return
	}
	if err := m.cfg.Breakpoints.Remove(bps); err != nil {
		m.logger.Warn().Err(err).Str("session_id", m.cfg.SessionID).Msg("Breakpoint removal failed")
	}
	if err := m.cfg.Breakpoints.Add(bps); err != nil {
		m.logger.Warn().Err(err).Str("session_id", m.cfg.SessionID).Msg("Breakpoint re-add failed")
	}
	m.logger.Debug().
		Str("session_id", m.cfg.SessionID).
		Str("count", fmt.Sprint(len(bps))).
		Msg("Breakpoints refreshed")
}

func (m *Machine) focusHelper() Focuser {
	if m.focuser != nil {
		return m.focuser
	}
	if m.cfg.Focus != nil {
		m.focuser = m.cfg.Focus
		return m.focuser
	}
	s := m.cc.Settings()
	if s == nil {
		m.focuser = focus.New(workspace.DeviceTarget{}, "", nil)
		return m.focuser
	}
	m.focuser = focus.New(s.Device(), executablePath(s), s)
	return m.focuser
}

func executablePath(s workspace.Settings) string {
	app := s.ArtifactPath()
	if app == "" {
		return ""
	}
	if s.Device().Platform == workspace.PlatformMacOS {
		return filepath.Join(app, "Contents", "MacOS", s.ExecutableName())
	}
	return filepath.Join(app, s.ExecutableName())
}

// terminate ends the session because of err; a nil err is a normal end.
// Cancellation, and only cancellation, also cancels the action.
func (m *Machine) terminate(err error) {
	m.terminateWith(err, errors.Is(err, shell.ErrUserTerminated))
}

func (m *Machine) terminateWith(err error, cancelAction bool) {
	if m.terminated {
		return
	}
	m.terminated = true
	m.transition(Stopping)

	if m.log != nil {
		if cerr := m.log.Close(); cerr != nil {
			m.logger.Debug().Err(cerr).Msg("Closing session log failed")
		}
	}

	m.cfg.Reporter.UpdateStatus(m.cfg.SessionID, status.Stopped)

	if m.cc != nil {
		if m.cfg.Launcher != nil {
			if serr := m.cfg.Launcher.Stop(m.cc, m.cfg.SessionID); serr != nil {
				m.logger.Warn().Err(serr).Str("session_id", m.cfg.SessionID).Msg("Stopping session processes failed")
			}
		}
		if cancelAction {
			m.cc.Cancel()
		}
	}

	if m.cfg.Registry != nil && m.cc != nil {
		m.cfg.Registry.Unregister(m.cfg.SessionID)
	}

	if m.completion != nil {
		if err != nil {
			m.completion.Fail(err)
		} else {
			m.completion.Succeed()
		}
	}

	m.mu.Lock()
	m.result = err
	m.mu.Unlock()
	m.transition(Stopped)

	m.logger.Info().
		Str("session_id", m.cfg.SessionID).
		Str("outcome", outcome(err)).
		Msg("Session stopped")
}

func (m *Machine) transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if !from.CanTransition(to) {
		return false
	}
	m.state = to
	m.history = append(m.history, Transition{From: from, To: to, At: time.Now()})
	return true
}

func (m *Machine) appendLog(category, text string) {
	if m.log == nil || text == "" {
		return
	}
	if err := m.log.Append(category, text); err != nil {
		m.logger.Debug().Err(err).Msg("Session log append failed")
	}
}

func (m *Machine) settingsScheme() string {
	if m.cc == nil || m.cc.Settings() == nil {
		return ""
	}
	return m.cc.Settings().Scheme()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, shell.ErrUserTerminated):
		return "cancelled"
	default:
		return "failed: " + err.Error()
	}
}
