// Package build drives xcodebuild for the build and test steps of an action.
package build

import (
	"fmt"

	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

// Terminal is the output surface used for build steps.
const Terminal = "Build"

// Pipeline builds the active scheme.
type Pipeline interface {
	BuildTarget(cc *command.Context) error
	BuildTests(cc *command.Context, testIDs []string) error
}

// Xcodebuild is a Pipeline that shells out to xcodebuild.
type Xcodebuild struct {
	// Binary defaults to "xcodebuild".
	Binary string
	// ExtraArgs are appended before the action verb.
	ExtraArgs []string
	Env       map[string]string
}

// BuildTarget runs "xcodebuild build" for the active scheme and device.
func (x Xcodebuild) BuildTarget(cc *command.Context) error {
	if _, err := cc.ExecShell("Build", x.task(cc.Settings(), "build", nil)); err != nil {
		return fmt.Errorf("build %s: %w", cc.Settings().Scheme(), err)
	}
	return nil
}

// BuildTests runs "xcodebuild build-for-testing", limited to testIDs when
// any are given.
func (x Xcodebuild) BuildTests(cc *command.Context, testIDs []string) error {
	if _, err := cc.ExecShell("Build Tests", x.task(cc.Settings(), "build-for-testing", testIDs)); err != nil {
		return fmt.Errorf("build tests %s: %w", cc.Settings().Scheme(), err)
	}
	return nil
}

// RunTests runs "xcodebuild test-without-building" against the products of
// a previous BuildTests.
func (x Xcodebuild) RunTests(cc *command.Context, testIDs []string) error {
	if _, err := cc.ExecShell("Test", x.task(cc.Settings(), "test-without-building", testIDs)); err != nil {
		return fmt.Errorf("test %s: %w", cc.Settings().Scheme(), err)
	}
	return nil
}

// Args returns the xcodebuild arguments for action.
func (x Xcodebuild) Args(s workspace.Settings, action string, testIDs []string) []string {
	var args []string
	if ws := s.WorkspacePath(); ws != "" {
		args = append(args, "-workspace", ws)
	} else if p := s.ProjectPath(); p != "" {
		args = append(args, "-project", p)
	}
	args = append(args,
		"-scheme", s.Scheme(),
		"-configuration", s.Configuration(),
		"-destination", Destination(s.Device()),
		"-derivedDataPath", s.DerivedDataPath(),
	)
	for _, id := range testIDs {
		args = append(args, "-only-testing:"+id)
	}
	args = append(args, x.ExtraArgs...)
	return append(args, action)
}

func (x Xcodebuild) task(s workspace.Settings, action string, testIDs []string) shell.Task {
	bin := x.Binary
	if bin == "" {
		bin = "xcodebuild"
	}
	return shell.Task{
		Command:  bin,
		Args:     x.Args(s, action, testIDs),
		Dir:      s.Root(),
		Env:      x.Env,
		Terminal: Terminal,
	}
}

// Destination returns the -destination specifier for d.
func Destination(d workspace.DeviceTarget) string {
	if d.Platform == workspace.PlatformMacOS {
		return "platform=macOS"
	}
	return "id=" + d.ID
}
