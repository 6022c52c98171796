// Package focus brings the app under debug to the foreground.
package focus

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

// Helper focuses the app's window, or the simulator showing it.
type Helper struct {
	device      workspace.DeviceTarget
	productName string

	// Osascript and Open name the binaries used. Tests override them.
	Osascript string
	Open      string
}

// New captures the device and a best guess of the product name.
func New(device workspace.DeviceTarget, executablePath string, settings workspace.Settings) *Helper {
	name := ProductName(executablePath)
	if name == "" && settings != nil {
		name = settings.ProductName()
	}
	return &Helper{
		device:      device,
		productName: name,
		Osascript:   "osascript",
		Open:        "open",
	}
}

// ProductName derives the product from an executable path inside a bundle:
// Foo.app/Contents/MacOS/Foo or Foo.app/Foo. It returns "" when the path
// does not sit in an .app bundle.
func ProductName(executablePath string) string {
	if executablePath == "" {
		return ""
	}
	dir := filepath.Dir(filepath.Clean(executablePath))
	for i := 0; i < 3 && dir != "." && dir != string(filepath.Separator); i++ {
		base := filepath.Base(dir)
		if strings.HasSuffix(base, ".app") {
			return strings.TrimSuffix(base, ".app")
		}
		dir = filepath.Dir(dir)
	}
	return ""
}

// ProductName returns the name the helper activates on macOS.
func (h *Helper) ProductName() string {
	return h.productName
}

// Device returns the captured device.
func (h *Helper) Device() workspace.DeviceTarget {
	return h.device
}

// Focus brings the app forward. It never fails; problems are logged.
func (h *Helper) Focus(cc *command.Context) {
	task, ok := h.task()
	if !ok {
		return
	}
	p, err := cc.StartParallel(task)
	if err == nil {
		_, err = p.Wait()
	}
	if err != nil && !errors.Is(err, shell.ErrUserTerminated) {
		cc.Logger().Debug().Err(err).Str("device", h.device.String()).Msg("Focus failed")
	}
}

func (h *Helper) task() (shell.Task, bool) {
	switch {
	case h.device.Platform == workspace.PlatformMacOS:
		if h.productName == "" {
			return shell.Task{}, false
		}
		return shell.Task{
			Command: h.Osascript,
			Args:    []string{"-e", fmt.Sprintf("tell application %q to activate", h.productName)},
			Mode:    shell.ModeSilent,
		}, true
	case h.device.IsSimulator():
		return shell.Task{
			Command: h.Open,
			Args:    []string{"-a", "Simulator", "--args", "-CurrentDeviceUDID", h.device.ID},
			Mode:    shell.ModeSilent,
		}, true
	}
	return shell.Task{}, false
}
