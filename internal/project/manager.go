package project

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/launchpad/internal/fileutil"
	"github.com/ternarybob/launchpad/internal/logger"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

// Manager handles workspace lifecycle: loading settings and watching them
// for changes.
type Manager struct {
	registry *Registry
	logger   arbor.ILogger
	watch    bool

	settings map[string]*workspace.FileSettings
	watchers map[string]*workspace.Watcher
	mu       sync.RWMutex
}

// NewManager creates a new project manager. With watch set, settings files
// are reloaded when they change on disk.
func NewManager(registry *Registry, watch bool) *Manager {
	return &Manager{
		registry: registry,
		logger:   logger.GetLogger(),
		watch:    watch,
		settings: make(map[string]*workspace.FileSettings),
		watchers: make(map[string]*workspace.Watcher),
	}
}

// Initialize loads all registered projects.
func (m *Manager) Initialize() error {
	for _, p := range m.registry.List() {
		if err := m.initializeProject(p); err != nil {
			m.logger.Warn().Err(err).Str("project_id", p.ID).Msg("Failed to initialize project")
		}
	}
	return nil
}

func (m *Manager) initializeProject(p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settings[p.ID]; ok {
		return nil
	}

	fs, err := workspace.Load(p.Path)
	if err != nil {
		return err
	}
	m.settings[p.ID] = fs

	if !m.watch {
		return nil
	}

	id := p.ID
	watcher, err := workspace.NewWatcher(fs, m.logger, func(v workspace.Values) {
		m.logger.Info().
			Str("project_id", id).
			Str("scheme", v.Scheme).
			Str("device", v.Device.String()).
			Msg("Workspace settings changed")
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("project_id", id).Msg("Failed to create settings watcher")
		return nil
	}
	if err := watcher.Start(); err != nil {
		m.logger.Warn().Err(err).Str("project_id", id).Msg("Failed to start settings watcher")
		return nil
	}
	m.watchers[id] = watcher
	return nil
}

// RegisterProject registers a workspace root and loads its settings. path
// may be the root or its settings file.
func (m *Manager) RegisterProject(path string) (*Project, error) {
	root, err := rootOf(path)
	if err != nil {
		return nil, err
	}

	if existing, _ := m.registry.GetByPath(root); existing != nil {
		return nil, fmt.Errorf("project already registered")
	}

	project := &Project{
		ID:           ProjectID(root),
		Path:         root,
		Name:         filepath.Base(root),
		RegisteredAt: time.Now(),
	}

	// Settings must parse before the project is accepted.
	if err := m.initializeProject(project); err != nil {
		return nil, err
	}

	if err := m.registry.Add(project); err != nil {
		m.drop(project.ID)
		return nil, err
	}
	if err := m.registry.Save(); err != nil {
		_ = m.registry.Remove(project.ID)
		m.drop(project.ID)
		return nil, fmt.Errorf("save registry: %w", err)
	}

	m.logger.Info().Str("project_id", project.ID).Str("path", root).Msg("Project registered")
	return project, nil
}

// UnregisterProject forgets a project and stops watching it.
func (m *Manager) UnregisterProject(id string) error {
	m.drop(id)

	if err := m.registry.Remove(id); err != nil {
		return err
	}
	if err := m.registry.Save(); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if watcher, ok := m.watchers[id]; ok {
		_ = watcher.Stop()
		delete(m.watchers, id)
	}
	delete(m.settings, id)
}

// Settings returns the live settings for a workspace, by project id or by
// path. Unregistered paths are loaded once without being registered.
func (m *Manager) Settings(ref string) (workspace.Settings, error) {
	if ref == "" {
		return nil, fmt.Errorf("workspace is required")
	}

	m.mu.RLock()
	fs, ok := m.settings[ref]
	m.mu.RUnlock()
	if ok {
		return fs, nil
	}

	p, _ := m.registry.Get(ref)
	if p == nil {
		root, err := rootOf(ref)
		if err != nil {
			return nil, err
		}
		p, _ = m.registry.GetByPath(root)
		if p == nil {
			fs, err := workspace.Load(root)
			if err != nil {
				return nil, err
			}
			return fs, nil
		}
	}

	if err := m.initializeProject(p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[p.ID], nil
}

// List returns all registered projects.
func (m *Manager) List() []*Project {
	return m.registry.List()
}

// Get returns a registered project.
func (m *Manager) Get(id string) (*Project, error) {
	return m.registry.Get(id)
}

// Watching reports whether the project's settings are being watched.
func (m *Manager) Watching(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[id]
	return ok && w.IsRunning()
}

// Shutdown stops all watchers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, watcher := range m.watchers {
		_ = watcher.Stop()
		delete(m.watchers, id)
	}
}

// rootOf resolves a workspace root from a directory or settings file path.
func rootOf(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	if !fileutil.Exists(absPath) {
		return "", fmt.Errorf("path does not exist: %s", path)
	}
	if fileutil.IsDir(absPath) {
		return absPath, nil
	}
	if !strings.HasSuffix(absPath, workspace.FileName) {
		return "", fmt.Errorf("not a workspace directory or %s file: %s", workspace.FileName, path)
	}
	return filepath.Dir(absPath), nil
}
