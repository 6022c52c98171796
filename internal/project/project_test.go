package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/launchpad/internal/config"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

func newWorkspace(t *testing.T, scheme string) string {
	t.Helper()
	dir := t.TempDir()
	body := "scheme = \"" + scheme + "\"\nproject = \"App.xcodeproj\"\n\n[device]\nplatform = \"macOS\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, workspace.FileName), []byte(body), 0644))
	return dir
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Service.DataDir = t.TempDir()
	return cfg
}

func TestManager_RegisterPersistsAndReloads(t *testing.T) {
	cfg := testConfig(t)
	root := newWorkspace(t, "App")

	m := NewManager(NewRegistry(cfg), false)
	p, err := m.RegisterProject(filepath.Join(root, workspace.FileName))
	require.NoError(t, err)
	assert.Equal(t, ProjectID(root), p.ID)
	assert.Equal(t, filepath.Base(root), p.Name)

	_, err = m.RegisterProject(root)
	assert.Error(t, err, "duplicate registration")

	reg := NewRegistry(cfg)
	require.NoError(t, reg.Load())
	require.Equal(t, 1, reg.Count())

	m2 := NewManager(reg, false)
	require.NoError(t, m2.Initialize())
	s, err := m2.Settings(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "App", s.Scheme())
}

func TestManager_RegisterRejectsBadSettings(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, workspace.FileName), []byte("scheme = \n"), 0644))

	m := NewManager(NewRegistry(cfg), false)
	_, err := m.RegisterProject(dir)
	assert.Error(t, err)
	assert.Empty(t, m.List())
}

func TestManager_SettingsForUnregisteredPath(t *testing.T) {
	m := NewManager(NewRegistry(testConfig(t)), false)
	root := newWorkspace(t, "Loose")

	s, err := m.Settings(root)
	require.NoError(t, err)
	assert.Equal(t, "Loose", s.Scheme())
	assert.Empty(t, m.List())

	_, err = m.Settings(filepath.Join(root, "missing"))
	assert.Error(t, err)

	_, err = m.Settings("")
	assert.Error(t, err)
}

func TestManager_UnregisterStopsWatching(t *testing.T) {
	m := NewManager(NewRegistry(testConfig(t)), true)
	defer m.Shutdown()

	p, err := m.RegisterProject(newWorkspace(t, "App"))
	require.NoError(t, err)
	assert.True(t, m.Watching(p.ID))

	require.NoError(t, m.UnregisterProject(p.ID))
	assert.False(t, m.Watching(p.ID))
	assert.Error(t, m.UnregisterProject(p.ID))
}

func TestManager_WatchedSettingsReload(t *testing.T) {
	m := NewManager(NewRegistry(testConfig(t)), true)
	defer m.Shutdown()

	root := newWorkspace(t, "Before")
	p, err := m.RegisterProject(root)
	require.NoError(t, err)

	s, err := m.Settings(p.ID)
	require.NoError(t, err)

	body := "scheme = \"After\"\nproject = \"App.xcodeproj\"\n\n[device]\nplatform = \"macOS\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, workspace.FileName), []byte(body), 0644))

	assert.Eventually(t, func() bool { return s.Scheme() == "After" }, 3*time.Second, 20*time.Millisecond)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry(testConfig(t))
	require.NoError(t, r.Add(&Project{ID: "b", Path: "/b"}))
	require.NoError(t, r.Add(&Project{ID: "a", Path: "/a"}))
	assert.Error(t, r.Add(&Project{ID: "c", Path: "/a"}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "/a", list[0].Path)

	_, err := r.GetByPath("/nope")
	assert.Error(t, err)
}
