package run

import (
	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

// AppLauncher adapts a Manager to the launch step of a debug session.
type AppLauncher struct {
	Manager         *Manager
	WaitForDebugger bool
	// Devices, when more than one, runs on each in turn instead of the
	// settings' device.
	Devices []workspace.DeviceTarget
	Args    []string
	Env     map[string]string
}

// Launch starts the app for sessionID. onExit is called when a macOS app
// process exits; simulator apps report their exit through the debugger.
func (l AppLauncher) Launch(cc *command.Context, sessionID string, onExit func(error)) error {
	req := LaunchRequest{
		SessionID:       sessionID,
		WaitForDebugger: l.WaitForDebugger,
		Args:            l.Args,
		Env:             l.Env,
		OnExit:          onExit,
	}
	switch len(l.Devices) {
	case 0:
	case 1:
		req.Device = l.Devices[0]
	default:
		return l.Manager.RunOnMultipleDevices(cc, l.Devices, req)
	}
	return l.Manager.RunOnDebugDevice(cc, req)
}

// Stop stops everything launched for sessionID.
func (l AppLauncher) Stop(cc *command.Context, sessionID string) error {
	return l.Manager.Stop(cc, sessionID)
}
