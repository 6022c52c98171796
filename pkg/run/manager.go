// Package run gets a built app executing on a simulator or the local Mac
// and keeps the debugger's wait-for-attach handshake satisfied.
package run

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/launchpad/internal/logger"
	"github.com/ternarybob/launchpad/pkg/cancel"
	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

// LaunchTerminal is the output surface used for install and launch steps.
const LaunchTerminal = "Launch"

// Options tunes the Manager.
type Options struct {
	// Xcrun and Open name the binaries used to drive simulators.
	Xcrun string
	Open  string

	TerminateTimeout time.Duration
	BootPollInterval time.Duration

	// MaxRecoveryRetries bounds reboot-and-retry after the simulator stops
	// responding. Zero disables recovery.
	MaxRecoveryRetries int
	// NotRespondingCode is the simctl exit code meaning the simulator
	// stopped responding.
	NotRespondingCode int

	// AbortOnDeviceFailure stops a multi-device run at the first failure.
	AbortOnDeviceFailure bool
	// StreamLogs tails the app's unified log after a simulator launch.
	StreamLogs bool
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		Xcrun:              "xcrun",
		Open:               "open",
		TerminateTimeout:   10 * time.Second,
		BootPollInterval:   time.Second,
		MaxRecoveryRetries: 1,
		NotRespondingCode:  60,
	}
}

// LaunchRequest describes one launch. Zero fields default from the
// Context's settings.
type LaunchRequest struct {
	SessionID       string
	Device          workspace.DeviceTarget
	AppPath         string
	BundleID        string
	ExecutableName  string
	WaitForDebugger bool
	Args            []string
	Env             map[string]string

	// OnExit receives the outcome of a macOS app process once it exits.
	OnExit func(error)
}

// notRespondingPhrases match simctl stderr when the simulator hangs.
var notRespondingPhrases = []string{
	"is not responding",
	"stopped responding",
	"failed to respond",
}

type target struct {
	device   workspace.DeviceTarget
	bundleID string
}

type tracked struct {
	executor *shell.Executor
	targets  []target
	procs    []*shell.Process
}

// Manager runs apps for sessions and remembers what it started for each, so
// a session's processes can be stopped later.
type Manager struct {
	opts     Options
	waiter   DebugWaiter
	logger   arbor.ILogger

	mu       sync.Mutex
	sessions map[string]*tracked
	stopped  map[string]struct{}
}

// NewManager creates a Manager. Nil collaborators are replaced by no-ops.
func NewManager(opts Options, waiter DebugWaiter, l arbor.ILogger) *Manager {
	def := DefaultOptions()
	if opts.Xcrun == "" {
		opts.Xcrun = def.Xcrun
	}
	if opts.Open == "" {
		opts.Open = def.Open
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = def.TerminateTimeout
	}
	if opts.BootPollInterval <= 0 {
		opts.BootPollInterval = def.BootPollInterval
	}
	if opts.NotRespondingCode == 0 {
		opts.NotRespondingCode = def.NotRespondingCode
	}
	if waiter == nil {
		waiter = NoopWaiter{}
	}
	if l == nil {
		l = logger.GetLogger()
	}
	return &Manager{
		opts:     opts,
		waiter:   waiter,
		logger:   l,
		sessions: make(map[string]*tracked),
		stopped:  make(map[string]struct{}),
	}
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// RunOnDebugDevice launches the app on req.Device.
func (m *Manager) RunOnDebugDevice(cc *command.Context, req LaunchRequest) error {
	req = m.resolve(cc, req)

	switch {
	case req.Device.Platform == workspace.PlatformMacOS:
		return m.runOnMac(cc, req)
	case req.Device.IsSimulator():
		return m.runOnSimulatorWithRecovery(cc, req)
	default:
		return fmt.Errorf("run: unsupported platform %s", req.Device.Platform)
	}
}

// RunOnMultipleDevices runs the simulator path once per device, one after
// another. The first error is returned; whether later devices still run is
// decided by Options.AbortOnDeviceFailure.
func (m *Manager) RunOnMultipleDevices(cc *command.Context, devices []workspace.DeviceTarget, req LaunchRequest) error {
	if req.WaitForDebugger {
		return &PreconditionError{Reason: "debugging on multiple devices is not supported"}
	}
	if len(devices) == 0 {
		return &PreconditionError{Reason: "no devices selected"}
	}
	for _, d := range devices {
		if !d.IsSimulator() {
			return &PreconditionError{Reason: fmt.Sprintf("%s cannot be targeted as one of multiple devices", d.Platform)}
		}
	}

	var first error
	for _, d := range devices {
		r := req
		r.Device = d
		r = m.resolve(cc, r)

		err := m.runOnSimulatorWithRecovery(cc, r)
		if errors.Is(err, shell.ErrUserTerminated) {
			return err
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("device", d.String()).Msg("Run failed on device")
			if first == nil {
				first = err
			}
			if m.opts.AbortOnDeviceFailure {
				break
			}
		}
	}
	return first
}

// Stop terminates everything the Manager started for sessionID: tracked
// processes, then the app itself on each simulator it was launched on. It
// does not depend on cc's scope, which may already be cancelled. Anything the
// session starts after Stop is terminated instead of tracked.
func (m *Manager) Stop(cc *command.Context, sessionID string) error {
	m.mu.Lock()
	t := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.stopped[sessionID] = struct{}{}
	m.mu.Unlock()

	if t == nil {
		return nil
	}

	for _, p := range t.procs {
		p.Terminate()
	}
	for _, p := range t.procs {
		select {
		case <-p.Done():
		case <-time.After(m.opts.TerminateTimeout):
			m.logger.Warn().
				Str("session_id", sessionID).
				Str("pid", fmt.Sprint(p.Pid())).
				Msg("Process still running after stop")
		}
	}

	for _, tg := range t.targets {
		if !tg.device.IsSimulator() || tg.bundleID == "" {
			continue
		}
		task := shell.Task{
			Command: m.opts.Xcrun,
			Args:    []string{"simctl", "terminate", tg.device.ID, tg.bundleID},
			Mode:    shell.ModeSilent,
		}
		if _, err := m.runUnbound(t.executor, task); err != nil {
			m.logger.Debug().Err(err).Str("device", tg.device.String()).Msg("Terminate on stop failed")
		}
	}

	m.logger.Debug().Str("session_id", sessionID).Msg("Session processes stopped")
	return nil
}

// Tracking reports whether the Manager holds anything for sessionID.
func (m *Manager) Tracking(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Forget drops what the Manager remembers about a stopped session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stopped, sessionID)
}

// StreamLogs tails the unified log of req's app on its simulator. The tail
// runs detached, bound to cc's scope, and is stopped with the session.
func (m *Manager) StreamLogs(cc *command.Context, req LaunchRequest) (*shell.Process, error) {
	req = m.resolve(cc, req)
	if !req.Device.IsSimulator() {
		return nil, &PreconditionError{Reason: "log streaming needs a simulator"}
	}
	p, err := cc.StartParallel(shell.Task{
		Command: m.opts.Xcrun,
		Args: []string{
			"simctl", "spawn", req.Device.ID, "log", "stream",
			"--style", "compact",
			"--predicate", fmt.Sprintf("process == %q", req.ExecutableName),
		},
		Terminal: "Logs: " + req.Device.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("stream logs: %w", err)
	}
	if !m.trackProcess(cc, req.SessionID, p) {
		return nil, shell.ErrUserTerminated
	}
	return p, nil
}

func (m *Manager) resolve(cc *command.Context, req LaunchRequest) LaunchRequest {
	s := cc.Settings()
	if s == nil {
		return req
	}
	if req.Device.Platform == workspace.PlatformUnknown {
		req.Device = s.Device()
	}
	if req.AppPath == "" {
		req.AppPath = s.ArtifactPath()
	}
	if req.BundleID == "" {
		req.BundleID = s.BundleID()
	}
	if req.ExecutableName == "" {
		req.ExecutableName = s.ExecutableName()
	}
	return req
}

func (m *Manager) runOnSimulatorWithRecovery(cc *command.Context, req LaunchRequest) error {
	for attempt := 0; ; attempt++ {
		err := m.runOnSimulator(cc, req)
		if err == nil || errors.Is(err, shell.ErrUserTerminated) || !m.notResponding(err) {
			return err
		}
		if attempt >= m.opts.MaxRecoveryRetries {
			return err
		}

		m.logger.Warn().
			Err(err).
			Str("device", req.Device.String()).
			Str("session_id", req.SessionID).
			Msg("Simulator not responding, shutting down and retrying")

		if _, serr := cc.ExecShell("Shutdown", m.simctl(shell.ModeSilent, "shutdown", req.Device.ID)); serr != nil &&
			!errors.Is(serr, shell.ErrUserTerminated) {
			m.logger.Warn().Err(serr).Str("device", req.Device.String()).Msg("Simulator shutdown failed")
		}

		// The session reports Stopped once the action returns.
		if cc.Cancelled() {
			return shell.ErrUserTerminated
		}
	}
}

func (m *Manager) runOnSimulator(cc *command.Context, req LaunchRequest) error {
	udid := req.Device.ID
	if req.BundleID == "" {
		return &PreconditionError{Reason: "bundle id is required to run on a simulator"}
	}

	if err := m.terminateStale(cc, req); err != nil {
		return err
	}
	if err := m.boot(cc, req.Device); err != nil {
		return err
	}
	m.openSimulatorUI(cc, udid)
	if err := m.waitBooted(cc, udid); err != nil {
		return err
	}

	if _, err := cc.ExecShell("Install", m.simctl(shell.ModeVerbose, "install", udid, req.AppPath)); err != nil {
		return fmt.Errorf("install %s: %w", filepath.Base(req.AppPath), err)
	}

	if err := m.waiter.Ready(cc, req.SessionID); err != nil {
		return err
	}

	if !m.trackTarget(cc, req.SessionID, target{device: req.Device, bundleID: req.BundleID}) {
		return shell.ErrUserTerminated
	}

	args := []string{"launch", "--terminate-running-process"}
	if req.WaitForDebugger {
		args = append(args, "--wait-for-debugger")
	}
	args = append(args, udid, req.BundleID)
	args = append(args, req.Args...)

	launch := m.simctl(shell.ModeVerbose, args...)
	launch.Env = childEnv(req.Env)
	if _, err := cc.ExecShellParallel(launch); err != nil {
		return fmt.Errorf("launch %s: %w", req.BundleID, err)
	}

	m.logger.Info().
		Str("session_id", req.SessionID).
		Str("device", req.Device.String()).
		Str("bundle_id", req.BundleID).
		Msg("App launched on simulator")

	if m.opts.StreamLogs {
		if _, err := m.StreamLogs(cc, req); err != nil {
			m.logger.Warn().Err(err).Msg("Log stream not started")
		}
	}
	return nil
}

// terminateStale stops a previous instance of the app. Not finding one is
// fine; a hang surfaces as a TimeoutError so recovery can take over.
func (m *Manager) terminateStale(cc *command.Context, req LaunchRequest) error {
	_, err := cc.ExecShellTimeout("Terminate",
		m.simctl(shell.ModeSilent, "terminate", req.Device.ID, req.BundleID),
		m.opts.TerminateTimeout)
	if err == nil {
		return nil
	}
	if _, ok := shell.IsTaskError(err); ok {
		return nil
	}
	return err
}

func (m *Manager) boot(cc *command.Context, d workspace.DeviceTarget) error {
	_, err := cc.ExecShell("Boot", m.simctl(shell.ModeVerbose, "boot", d.ID))
	if err == nil {
		return nil
	}
	if te, ok := shell.IsTaskError(err); ok && strings.Contains(te.Stderr, "current state: Booted") {
		return nil
	}
	return fmt.Errorf("boot %s: %w", d.String(), err)
}

// openSimulatorUI brings up Simulator.app. Failures are only logged.
func (m *Manager) openSimulatorUI(cc *command.Context, udid string) {
	_, err := cc.ExecShell("Open Simulator", shell.Task{
		Command: m.opts.Open,
		Args:    []string{"-a", "Simulator", "--args", "-CurrentDeviceUDID", udid},
		Mode:    shell.ModeSilent,
	})
	if err != nil && !errors.Is(err, shell.ErrUserTerminated) {
		m.logger.Debug().Err(err).Msg("Could not open Simulator")
	}
}

// waitBooted polls the device list until udid reports Booted. There is no
// attempt limit; only cancellation ends the wait early.
func (m *Manager) waitBooted(cc *command.Context, udid string) error {
	ticker := time.NewTicker(m.opts.BootPollInterval)
	defer ticker.Stop()

	for {
		state, err := m.deviceState(cc, udid)
		switch {
		case errors.Is(err, shell.ErrUserTerminated), errors.Is(err, ErrDeviceNotFound):
			return err
		case err != nil:
			m.logger.Debug().Err(err).Str("udid", udid).Msg("Device state poll failed")
		case state == StateBooted:
			return nil
		}

		select {
		case <-cc.Done():
			return shell.ErrUserTerminated
		case <-ticker.C:
		}
	}
}

func (m *Manager) deviceState(cc *command.Context, udid string) (string, error) {
	res, err := cc.ExecShell("Boot Status", m.simctl(shell.ModeCaptureOnly, "list", "devices", "--json"))
	if err != nil {
		return "", err
	}
	list, err := ParseDeviceList([]byte(res.Stdout))
	if err != nil {
		return "", err
	}
	dev, ok := list.Find(udid)
	if !ok {
		return "", fmt.Errorf("%s: %w", udid, ErrDeviceNotFound)
	}
	return dev.State, nil
}

func (m *Manager) runOnMac(cc *command.Context, req LaunchRequest) error {
	exe := filepath.Join(req.AppPath, "Contents", "MacOS", req.ExecutableName)

	if err := m.waiter.Ready(cc, req.SessionID); err != nil {
		return err
	}

	p, err := cc.StartParallel(shell.Task{
		Command:  exe,
		Args:     req.Args,
		Env:      req.Env,
		Terminal: req.ExecutableName,
	})
	if err != nil {
		return fmt.Errorf("launch %s: %w", req.ExecutableName, err)
	}
	if !m.trackTarget(cc, req.SessionID, target{device: req.Device}) || !m.trackProcess(cc, req.SessionID, p) {
		p.Terminate()
		return shell.ErrUserTerminated
	}

	m.logger.Info().
		Str("session_id", req.SessionID).
		Str("executable", exe).
		Str("pid", fmt.Sprint(p.Pid())).
		Msg("App launched on macOS")

	go func() {
		_, err := p.Wait()
		m.untrackProcess(req.SessionID, p)
		if req.OnExit != nil {
			req.OnExit(err)
		}
	}()
	return nil
}

func (m *Manager) notResponding(err error) bool {
	if command.IsTimeout(err) {
		return true
	}
	te, ok := shell.IsTaskError(err)
	if !ok {
		return false
	}
	if te.ExitCode == m.opts.NotRespondingCode {
		return true
	}
	stderr := strings.ToLower(te.Stderr)
	for _, phrase := range notRespondingPhrases {
		if strings.Contains(stderr, phrase) {
			return true
		}
	}
	return false
}

func (m *Manager) simctl(mode shell.Mode, args ...string) shell.Task {
	return shell.Task{
		Command:  m.opts.Xcrun,
		Args:     append([]string{"simctl"}, args...),
		Terminal: LaunchTerminal,
		Mode:     mode,
	}
}

// runUnbound runs task on a fresh scope limited only by TerminateTimeout.
func (m *Manager) runUnbound(executor *shell.Executor, task shell.Task) (*shell.Result, error) {
	scope := cancel.New()
	timer := time.AfterFunc(m.opts.TerminateTimeout, func() { scope.Cancel() })
	defer timer.Stop()
	p, err := executor.StartDetached(task, scope)
	if err != nil {
		return nil, err
	}
	return p.Wait()
}

func (m *Manager) entry(cc *command.Context, sessionID string) *tracked {
	t := m.sessions[sessionID]
	if t == nil {
		t = &tracked{executor: cc.Executor()}
		m.sessions[sessionID] = t
	}
	return t
}

// trackTarget remembers tg for Stop. It reports false once the session has
// been stopped, in which case nothing should be launched.
func (m *Manager) trackTarget(cc *command.Context, sessionID string, tg target) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stopped[sessionID]; ok {
		return false
	}
	t := m.entry(cc, sessionID)
	for _, existing := range t.targets {
		if existing.device.ID == tg.device.ID && existing.device.Platform == tg.device.Platform {
			return true
		}
	}
	t.targets = append(t.targets, tg)
	return true
}

// trackProcess remembers p for Stop. A process started after Stop is
// terminated and false is returned.
func (m *Manager) trackProcess(cc *command.Context, sessionID string, p *shell.Process) bool {
	m.mu.Lock()
	if _, ok := m.stopped[sessionID]; ok {
		m.mu.Unlock()
		p.Terminate()
		return false
	}
	defer m.mu.Unlock()
	t := m.entry(cc, sessionID)
	t.procs = append(t.procs, p)
	return true
}

func (m *Manager) untrackProcess(sessionID string, p *shell.Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.sessions[sessionID]
	if t == nil {
		return
	}
	for i, tp := range t.procs {
		if tp == p {
			t.procs = append(t.procs[:i], t.procs[i+1:]...)
			return
		}
	}
}

// childEnv prefixes env so simctl forwards it to the launched app.
func childEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out["SIMCTL_CHILD_"+k] = v
	}
	return out
}
