//go:build !windows

package focus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/launchpad/pkg/command"
	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

func TestProductName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/dd/Build/Products/Debug/Viewer.app/Contents/MacOS/Viewer", "Viewer"},
		{"/dd/Build/Products/Debug-iphonesimulator/Viewer.app/Viewer", "Viewer"},
		{"Viewer.app/Viewer", "Viewer"},
		{"/usr/local/bin/tool", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ProductName(tt.path))
		})
	}
}

func TestNew_FallsBackToSettings(t *testing.T) {
	settings := workspace.Values{Scheme: "App", ProductName: "Fallback"}.Settings()

	h := New(workspace.DeviceTarget{Platform: workspace.PlatformMacOS}, "/usr/bin/tool", settings)
	assert.Equal(t, "Fallback", h.ProductName())

	h = New(workspace.DeviceTarget{Platform: workspace.PlatformMacOS}, "/x/Real.app/Contents/MacOS/Real", settings)
	assert.Equal(t, "Real", h.ProductName())

	h = New(workspace.DeviceTarget{Platform: workspace.PlatformMacOS}, "", nil)
	assert.Equal(t, "", h.ProductName())
}

// recorder writes its arguments to a file, one per line.
func recorder(t *testing.T, exit string) (bin, out string) {
	t.Helper()
	dir := t.TempDir()
	out = filepath.Join(dir, "args")
	bin = filepath.Join(dir, "fake")
	body := "#!/bin/sh\nfor a in \"$@\"; do echo \"$a\" >> " + out + "; done\nexit " + exit + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(body), 0755))
	return bin, out
}

func newContext() *command.Context {
	return command.New(shell.NewExecutor(), workspace.Values{}.Settings())
}

func TestFocus_MacOS(t *testing.T) {
	bin, out := recorder(t, "0")
	h := New(workspace.DeviceTarget{Platform: workspace.PlatformMacOS}, "/x/Viewer.app/Contents/MacOS/Viewer", nil)
	h.Osascript = bin

	h.Focus(newContext())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "-e\ntell application \"Viewer\" to activate\n", string(data))
}

func TestFocus_Simulator(t *testing.T) {
	bin, out := recorder(t, "0")
	h := New(workspace.DeviceTarget{ID: "UDID-9", Platform: workspace.PlatformIOSSimulator}, "", nil)
	h.Open = bin

	h.Focus(newContext())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "-a\nSimulator\n--args\n-CurrentDeviceUDID\nUDID-9\n", string(data))
}

func TestFocus_FailuresAreSwallowed(t *testing.T) {
	bin, _ := recorder(t, "1")
	h := New(workspace.DeviceTarget{ID: "U", Platform: workspace.PlatformIOSSimulator}, "", nil)
	h.Open = bin
	h.Focus(newContext())

	h.Open = "/no/such/open"
	h.Focus(newContext())

	cc := newContext()
	cc.Cancel()
	h.Focus(cc)
}

func TestFocus_MacOSWithoutProductNameDoesNothing(t *testing.T) {
	bin, out := recorder(t, "0")
	h := New(workspace.DeviceTarget{Platform: workspace.PlatformMacOS}, "", nil)
	h.Osascript = bin

	h.Focus(newContext())

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}
