package shell

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/launchpad/internal/logger"
	"github.com/ternarybob/launchpad/pkg/cancel"
)

// DefaultKillGrace is how long a cancelled process group gets to exit after
// SIGTERM, and again after SIGKILL, before the executor gives up waiting.
const DefaultKillGrace = 5 * time.Second

// parallelPrefix keeps detached surfaces apart from foreground ones.
const parallelPrefix = "parallel: "

// Result is the outcome of a completed task.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor spawns processes and multiplexes their output to named surfaces.
type Executor struct {
	surfaces  *Surfaces
	factory   SurfaceFactory
	logger    arbor.ILogger
	killGrace time.Duration

	detached  bool
	ephemeral bool
	shared    bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithSurfaceFactory sets where surface output is written.
func WithSurfaceFactory(f SurfaceFactory) Option {
	return func(e *Executor) {
		e.factory = f
	}
}

// WithSurfaces makes the executor acquire foreground surfaces from ss, which
// other executors may share. A task then takes over a surface of the same
// name owned by another executor. Close leaves a shared set open.
func WithSurfaces(ss *Surfaces) Option {
	return func(e *Executor) {
		e.surfaces = ss
		e.shared = ss != nil
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l arbor.ILogger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithKillGrace sets the bounded wait used when terminating a process group.
func WithKillGrace(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.killGrace = d
		}
	}
}

// NewExecutor creates a foreground executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		killGrace: DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.factory == nil && e.surfaces != nil {
		e.factory = e.surfaces.factory
	}
	if e.factory == nil {
		e.factory = DiscardSurfaces()
	}
	if e.logger == nil {
		e.logger = logger.GetLogger()
	}
	if e.surfaces == nil {
		e.surfaces = NewSurfaces(e.factory)
	}
	return e
}

// Detached returns a fresh, independent executor. Its surfaces are never
// shared with this executor's foreground sequence.
func (e *Executor) Detached() *Executor {
	return &Executor{
		surfaces:  NewSurfaces(e.factory),
		factory:   e.factory,
		logger:    e.logger,
		killGrace: e.killGrace,
		detached:  true,
	}
}

// StartDetached spawns task on a fresh detached executor that closes its
// surfaces once the process has exited. The task keeps its own mode.
func (e *Executor) StartDetached(task Task, scope *cancel.Scope) (*Process, error) {
	d := e.Detached()
	d.ephemeral = true
	if task.Mode == ModeParallelDetached {
		task.Mode = ModeVerbose
	}
	return d.Start(task, scope)
}

// IsDetached reports whether the executor was created by Detached.
func (e *Executor) IsDetached() bool {
	return e.detached
}

// Surfaces exposes the executor's open output surfaces.
func (e *Executor) Surfaces() *Surfaces {
	return e.surfaces
}

// Close disposes all surfaces owned by the executor. A shared surface set is
// left to its owner.
func (e *Executor) Close() {
	if e.shared {
		return
	}
	e.surfaces.Close()
}

// Run executes task to completion or cancellation.
func (e *Executor) Run(task Task, scope *cancel.Scope) (*Result, error) {
	p, err := e.Start(task, scope)
	if err != nil {
		return nil, err
	}
	return p.Wait()
}

// Start spawns task and returns once the process is running.
func (e *Executor) Start(task Task, scope *cancel.Scope) (*Process, error) {
	if task.Mode == ModeParallelDetached && !e.detached {
		return e.StartDetached(task, scope)
	}
	if task.Mode == ModeParallelDetached {
		task.Mode = ModeVerbose
	}

	if scope == nil {
		scope = cancel.New()
	}
	if scope.Requested() {
		return nil, ErrUserTerminated
	}

	name, args := task.argv()
	cmd := exec.Command(name, args...)
	cmd.Dir = task.Dir
	cmd.Env = buildEnv(task.Env)
	setProcessGroup(cmd)

	p := &Process{
		task:     task,
		cmd:      cmd,
		executor: e,
		scope:    scope,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	if task.Mode == ModeVerbose {
		surfaceName := task.TerminalName()
		if e.detached {
			surfaceName = parallelPrefix + surfaceName
		}
		surface, err := e.surfaces.Acquire(surfaceName)
		if err != nil {
			return nil, err
		}
		surface.Announce(task.CommandLine())
		p.surface = surface
	}

	p.stdout = &lineWriter{surface: p.surface, capture: task.Mode != ModeSilent}
	p.stderr = &lineWriter{surface: p.surface, capture: true}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.WaitDelay = e.killGrace

	if err := cmd.Start(); err != nil {
		p.releaseSurface()
		return nil, &SpawnError{Command: task.CommandLine(), Err: err}
	}

	e.logger.Debug().
		Str("command", task.CommandLine()).
		Str("pid", fmt.Sprint(cmd.Process.Pid)).
		Str("mode", task.Mode.String()).
		Msg("Process started")

	go p.supervise()
	return p, nil
}

// Process is a running task.
type Process struct {
	task     Task
	cmd      *exec.Cmd
	executor *Executor
	scope    *cancel.Scope
	surface  *Surface

	stdout *lineWriter
	stderr *lineWriter

	stopOnce sync.Once
	stopCh   chan struct{}

	done   chan struct{}
	result *Result
	err    error
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Task returns the task the process was started from.
func (p *Process) Task() Task {
	return p.task
}

// Done returns a channel closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its outcome.
func (p *Process) Wait() (*Result, error) {
	<-p.done
	return p.result, p.err
}

// Terminate stops the process group without signaling the owning scope.
// Wait then reports ErrUserTerminated.
func (p *Process) Terminate() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

func (p *Process) supervise() {
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- p.cmd.Wait()
	}()

	select {
	case err := <-waitCh:
		p.finish(err, false, false)
	case <-p.scope.Done():
		p.finish(nil, true, !p.terminate(waitCh))
	case <-p.stopCh:
		p.finish(nil, true, !p.terminate(waitCh))
	}
}

// terminate sends SIGTERM to the process group, then SIGKILL after the grace
// period. A group that outlives both waits is reported and abandoned, in which
// case terminate returns false.
func (p *Process) terminate(waitCh <-chan error) bool {
	grace := p.executor.killGrace
	log := p.executor.logger
	proc := p.cmd.Process

	if err := terminateGroup(proc); err != nil {
		log.Debug().Err(err).Str("pid", fmt.Sprint(proc.Pid)).Msg("SIGTERM to process group failed")
	}

	select {
	case <-waitCh:
		if groupAlive(proc.Pid) {
			_ = killGroup(proc)
		}
		return true
	case <-time.After(grace):
	}

	log.Warn().
		Str("command", p.task.CommandLine()).
		Str("pid", fmt.Sprint(proc.Pid)).
		Msg("Process did not exit after SIGTERM, sending SIGKILL")
	_ = killGroup(proc)

	select {
	case <-waitCh:
		return true
	case <-time.After(grace):
		log.Warn().
			Str("command", p.task.CommandLine()).
			Str("pid", fmt.Sprint(proc.Pid)).
			Msg("Process ignored SIGKILL, giving up waiting")
		return false
	}
}

func (p *Process) finish(waitErr error, cancelled, abandoned bool) {
	defer close(p.done)
	defer p.releaseSurface()

	p.stdout.flush()
	p.stderr.flush()

	result := &Result{
		ExitCode: -1,
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
	}
	if state := p.cmd.ProcessState; !abandoned && state != nil {
		result.ExitCode = state.ExitCode()
	}
	p.result = result

	if cancelled || (waitErr != nil && p.scope.Requested()) {
		p.err = ErrUserTerminated
		return
	}
	if waitErr == nil {
		return
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		p.err = &TaskError{
			Command:  p.task.CommandLine(),
			ExitCode: exitErr.ExitCode(),
			Signal:   exitSignal(exitErr.ProcessState),
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		}
		return
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// Output pipes were held open by a leftover child; the process itself exited cleanly.
		return
	}
	p.err = fmt.Errorf("wait %s: %w", p.task.CommandLine(), waitErr)
}

func (p *Process) releaseSurface() {
	if p.surface != nil {
		p.executor.surfaces.Release(p.surface)
	}
	if p.executor.ephemeral {
		p.executor.Close()
	}
}

// lineWriter forwards complete lines to a surface as they arrive and
// optionally captures everything written.
type lineWriter struct {
	mu      sync.Mutex
	surface *Surface
	capture bool
	buf     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.capture {
		w.buf.Write(b)
	}
	if w.surface == nil {
		return len(b), nil
	}

	w.partial = append(w.partial, b...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.surface.WriteLine(string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.surface != nil && len(w.partial) > 0 {
		w.surface.WriteLine(string(w.partial))
	}
	w.partial = nil
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
