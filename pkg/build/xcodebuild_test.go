//go:build !windows

package build

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

func settings(root string) workspace.Settings {
	return workspace.Values{
		Root:      root,
		Workspace: "App.xcworkspace",
		Scheme:    "App",
		Device:    workspace.DeviceTarget{ID: "UDID-1", Platform: workspace.PlatformIOSSimulator},
	}.Settings()
}

// fakeXcodebuild records its arguments and exits with code.
func fakeXcodebuild(t *testing.T, code int) (bin, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	bin = filepath.Join(dir, "xcodebuild")
	script := "#!/bin/sh\necho \"$@\" >> " + argsFile + "\necho '** BUILD OUTPUT **'\nexit " + strconv.Itoa(code) + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))
	return bin, argsFile
}

func TestArgs(t *testing.T) {
	x := Xcodebuild{ExtraArgs: []string{"-quiet"}}
	args := x.Args(settings("/proj"), "build-for-testing", []string{"AppTests/LoginTests"})

	assert.Equal(t, []string{
		"-workspace", "/proj/App.xcworkspace",
		"-scheme", "App",
		"-configuration", "Debug",
		"-destination", "id=UDID-1",
		"-derivedDataPath", "/proj/.build/DerivedData",
		"-only-testing:AppTests/LoginTests",
		"-quiet",
		"build-for-testing",
	}, args)
}

func TestArgs_ProjectAndMacOS(t *testing.T) {
	s := workspace.Values{
		Root:    "/proj",
		Project: "App.xcodeproj",
		Scheme:  "App",
		Device:  workspace.DeviceTarget{Platform: workspace.PlatformMacOS},
	}.Settings()

	args := Xcodebuild{}.Args(s, "build", nil)
	assert.Equal(t, []string{"-project", "/proj/App.xcodeproj"}, args[:2])
	assert.Contains(t, args, "platform=macOS")
	assert.Equal(t, "build", args[len(args)-1])
}

func TestBuildTarget(t *testing.T) {
	bin, argsFile := fakeXcodebuild(t, 0)
	sink := shell.NewMemorySink()
	cc := command.New(shell.NewExecutor(shell.WithSurfaceFactory(sink.Factory())), settings(t.TempDir()))

	require.NoError(t, Xcodebuild{Binary: bin}.BuildTarget(cc))

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(data)), " build"))
	assert.Contains(t, sink.Lines(Terminal), "** BUILD OUTPUT **")
}

func TestBuildTarget_FailureIsTaskError(t *testing.T) {
	bin, _ := fakeXcodebuild(t, 2)
	cc := command.New(shell.NewExecutor(), settings(t.TempDir()))

	err := Xcodebuild{Binary: bin}.BuildTarget(cc)
	require.Error(t, err)
	te, ok := shell.IsTaskError(err)
	require.True(t, ok)
	assert.Equal(t, 2, te.ExitCode)
}

func TestBuildTarget_Cancelled(t *testing.T) {
	bin, argsFile := fakeXcodebuild(t, 0)
	cc := command.New(shell.NewExecutor(), settings(t.TempDir()))
	cc.Cancel()

	err := Xcodebuild{Binary: bin}.BuildTarget(cc)
	assert.ErrorIs(t, err, shell.ErrUserTerminated)
	_, statErr := os.Stat(argsFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuildAndRunTests(t *testing.T) {
	bin, argsFile := fakeXcodebuild(t, 0)
	cc := command.New(shell.NewExecutor(), settings(t.TempDir()))
	x := Xcodebuild{Binary: bin}

	require.NoError(t, x.BuildTests(cc, []string{"AppTests"}))
	require.NoError(t, x.RunTests(cc, []string{"AppTests"}))

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "-only-testing:AppTests build-for-testing"))
	assert.True(t, strings.HasSuffix(lines[1], "-only-testing:AppTests test-without-building"))
}
