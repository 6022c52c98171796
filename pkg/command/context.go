// Package command binds one user action's cancellation scope to the process
// executor and the project settings it runs against.
package command

import (
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/launchpad/internal/logger"
	"github.com/ternarybob/launchpad/pkg/cancel"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

// Context is the live handle of one in-flight action. Foreground steps run
// one at a time in submission order; detached steps run alongside them.
type Context struct {
	scope    *cancel.Scope
	executor *shell.Executor
	settings workspace.Settings
	logger   arbor.ILogger

	// seq serializes foreground steps.
	seq sync.Mutex
}

// Option configures a Context.
type Option func(*Context)

// WithScope binds the Context to an existing scope instead of a fresh one.
func WithScope(s *cancel.Scope) Option {
	return func(c *Context) {
		c.scope = s
	}
}

// WithLogger sets the Context's logger.
func WithLogger(l arbor.ILogger) Option {
	return func(c *Context) {
		c.logger = l
	}
}

// New creates a Context running on executor against settings.
func New(executor *shell.Executor, settings workspace.Settings, opts ...Option) *Context {
	c := &Context{
		executor: executor,
		settings: settings,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scope == nil {
		c.scope = cancel.New()
	}
	if c.executor == nil {
		c.executor = shell.NewExecutor()
	}
	if c.logger == nil {
		c.logger = logger.GetLogger()
	}
	return c
}

// Scope returns the cancellation scope of the action.
func (c *Context) Scope() *cancel.Scope {
	return c.scope
}

// Executor returns the foreground executor.
func (c *Context) Executor() *shell.Executor {
	return c.executor
}

// Settings returns the project settings view.
func (c *Context) Settings() workspace.Settings {
	return c.settings
}

// Logger returns the Context's logger.
func (c *Context) Logger() arbor.ILogger {
	return c.logger
}

// ExecShell runs task in the foreground under the Context's scope. The name
// labels the step in logs and, when the task has none, its output surface.
func (c *Context) ExecShell(name string, task shell.Task) (*shell.Result, error) {
	return c.execShell(name, task, c.scope)
}

// ExecShellTimeout is ExecShell bounded by d. When the bound expires the step
// is terminated and a *TimeoutError is returned; if the whole action was
// cancelled first, shell.ErrUserTerminated is returned instead.
func (c *Context) ExecShellTimeout(name string, task shell.Task, d time.Duration) (*shell.Result, error) {
	child := c.scope.Child()
	timer := time.AfterFunc(d, func() {
		child.Cancel()
	})
	defer timer.Stop()
	defer child.Cancel()

	result, err := c.execShell(name, task, child)
	if errors.Is(err, shell.ErrUserTerminated) && !c.scope.Requested() {
		return result, &TimeoutError{Op: name, After: d}
	}
	return result, err
}

// ExecShellParallel runs task to completion on a fresh detached executor
// without waiting for, or blocking, the foreground sequence.
func (c *Context) ExecShellParallel(task shell.Task) (*shell.Result, error) {
	p, err := c.StartParallel(task)
	if err != nil {
		return nil, err
	}
	return p.Wait()
}

// StartParallel spawns task on a fresh detached executor and returns the
// running process. The process is still bound to the Context's scope, and
// its surface is closed when it exits.
func (c *Context) StartParallel(task shell.Task) (*shell.Process, error) {
	return c.executor.StartDetached(task, c.scope)
}

// WaitToCancel blocks until the action is cancelled.
func (c *Context) WaitToCancel() {
	<-c.scope.Done()
}

// Done returns a channel closed when the action is cancelled.
func (c *Context) Done() <-chan struct{} {
	return c.scope.Done()
}

// Cancel signals the action's scope. It returns true only for the call that
// actually fired it.
func (c *Context) Cancel() bool {
	return c.scope.Cancel()
}

// Cancelled reports whether the action has been cancelled.
func (c *Context) Cancelled() bool {
	return c.scope.Requested()
}

func (c *Context) execShell(name string, task shell.Task, scope *cancel.Scope) (*shell.Result, error) {
	if task.Terminal == "" {
		task.Terminal = name
	}

	c.seq.Lock()
	defer c.seq.Unlock()

	if scope.Requested() {
		return nil, shell.ErrUserTerminated
	}

	c.logger.Debug().Str("step", name).Str("command", task.CommandLine()).Msg("Running step")
	result, err := c.executor.Run(task, scope)
	if err != nil && !errors.Is(err, shell.ErrUserTerminated) {
		c.logger.Debug().Err(err).Str("step", name).Msg("Step failed")
	}
	return result, err
}
