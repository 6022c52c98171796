package run

import (
	"fmt"

	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/shell"
)

// DebugWaiter is told when the target is installed and about to launch, so
// the debugger side can get ready to attach. The session id correlates the
// two sides.
type DebugWaiter interface {
	Ready(cc *command.Context, sessionID string) error
}

// NoopWaiter does nothing.
type NoopWaiter struct{}

// Ready returns nil.
func (NoopWaiter) Ready(*command.Context, string) error { return nil }

// ScriptWaiter runs a helper script with the session id as its argument.
type ScriptWaiter struct {
	Script string
}

// Ready runs the helper in the foreground. An empty Script is a no-op.
func (w ScriptWaiter) Ready(cc *command.Context, sessionID string) error {
	if w.Script == "" {
		return nil
	}
	_, err := cc.ExecShell("Debug Wait", shell.Task{
		Script: w.Script,
		Args:   []string{sessionID},
		Mode:   shell.ModeSilent,
	})
	if err != nil {
		return fmt.Errorf("debug wait helper: %w", err)
	}
	return nil
}
