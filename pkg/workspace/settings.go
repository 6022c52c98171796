package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileName is the per-project settings file looked up in the project root.
const FileName = ".launchpad.toml"

// Settings is the read-only view of the project an action builds and runs.
type Settings interface {
	Root() string
	WorkspacePath() string
	ProjectPath() string
	Scheme() string
	Configuration() string
	Device() DeviceTarget
	ProductName() string
	BundleID() string
	ExecutableName() string
	DerivedDataPath() string
	// ArtifactPath is the built .app bundle.
	ArtifactPath() string
}

// Values is the decoded form of a settings file.
type Values struct {
	Root           string       `toml:"-" json:"root"`
	Workspace      string       `toml:"workspace" json:"workspace,omitempty"`
	Project        string       `toml:"project" json:"project,omitempty"`
	Scheme         string       `toml:"scheme" json:"scheme"`
	Configuration  string       `toml:"configuration" json:"configuration,omitempty"`
	ProductName    string       `toml:"product_name" json:"product_name,omitempty"`
	BundleID       string       `toml:"bundle_id" json:"bundle_id,omitempty"`
	ExecutableName string       `toml:"executable_name" json:"executable_name,omitempty"`
	DerivedData    string       `toml:"derived_data" json:"derived_data,omitempty"`
	Artifact       string       `toml:"artifact_path" json:"artifact_path,omitempty"`
	Device         DeviceTarget `toml:"device" json:"device"`
}

// Validate checks the fields every action needs.
func (v Values) Validate() error {
	if v.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if v.Workspace == "" && v.Project == "" {
		return fmt.Errorf("one of workspace or project is required")
	}
	if v.Device.Platform == PlatformUnknown {
		return fmt.Errorf("device.platform is required")
	}
	if v.Device.IsSimulator() && v.Device.ID == "" {
		return fmt.Errorf("device.id is required for %s", v.Device.Platform)
	}
	return nil
}

// Settings returns an immutable Settings view of v.
func (v Values) Settings() Settings {
	return snapshot{v: v}
}

type snapshot struct {
	v Values
}

func (s snapshot) Root() string { return s.v.Root }

func (s snapshot) WorkspacePath() string { return s.resolve(s.v.Workspace) }

func (s snapshot) ProjectPath() string { return s.resolve(s.v.Project) }

func (s snapshot) Scheme() string { return s.v.Scheme }

func (s snapshot) Configuration() string {
	if s.v.Configuration == "" {
		return "Debug"
	}
	return s.v.Configuration
}

func (s snapshot) Device() DeviceTarget { return s.v.Device }

func (s snapshot) ProductName() string {
	if s.v.ProductName == "" {
		return s.v.Scheme
	}
	return s.v.ProductName
}

func (s snapshot) BundleID() string { return s.v.BundleID }

func (s snapshot) ExecutableName() string {
	if s.v.ExecutableName == "" {
		return s.ProductName()
	}
	return s.v.ExecutableName
}

func (s snapshot) DerivedDataPath() string {
	if s.v.DerivedData == "" {
		return s.resolve(filepath.Join(".build", "DerivedData"))
	}
	return s.resolve(s.v.DerivedData)
}

// ArtifactPath defaults to the xcodebuild products layout:
// <derived>/Build/Products/<Configuration>[-<sdk>]/<Product>.app
func (s snapshot) ArtifactPath() string {
	if s.v.Artifact != "" {
		return s.resolve(s.v.Artifact)
	}
	dir := s.Configuration()
	if sdk := s.v.Device.Platform.SDK(); sdk != "" {
		dir += "-" + sdk
	}
	return filepath.Join(s.DerivedDataPath(), "Build", "Products", dir, s.ProductName()+".app")
}

func (s snapshot) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || s.v.Root == "" {
		return p
	}
	return filepath.Join(s.v.Root, p)
}

// Decode parses a settings file body. Relative paths resolve against root.
func Decode(data []byte, root string) (Values, error) {
	var v Values
	if _, err := toml.Decode(string(data), &v); err != nil {
		return Values{}, fmt.Errorf("parse settings: %w", err)
	}
	v.Root = root
	return v, nil
}

// FileSettings is a Settings backed by a .launchpad.toml file. Reload swaps
// the values atomically; readers always see one consistent snapshot.
type FileSettings struct {
	path string

	mu      sync.RWMutex
	current snapshot
}

// Load reads the settings file at path. A directory is accepted and
// resolved to the FileName inside it.
func Load(path string) (*FileSettings, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve settings path: %w", err)
	}
	fs := &FileSettings{path: abs}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Path returns the settings file path.
func (f *FileSettings) Path() string {
	return f.path
}

// Reload re-reads the settings file. On error the previous values are kept.
func (f *FileSettings) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read settings %s: %w", f.path, err)
	}
	v, err := Decode(data, filepath.Dir(f.path))
	if err != nil {
		return err
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("invalid settings %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.current = snapshot{v: v}
	f.mu.Unlock()
	return nil
}

// Values returns the currently loaded values.
func (f *FileSettings) Values() Values {
	return f.snap().v
}

func (f *FileSettings) snap() snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

func (f *FileSettings) Root() string            { return f.snap().Root() }
func (f *FileSettings) WorkspacePath() string   { return f.snap().WorkspacePath() }
func (f *FileSettings) ProjectPath() string     { return f.snap().ProjectPath() }
func (f *FileSettings) Scheme() string          { return f.snap().Scheme() }
func (f *FileSettings) Configuration() string   { return f.snap().Configuration() }
func (f *FileSettings) Device() DeviceTarget    { return f.snap().Device() }
func (f *FileSettings) ProductName() string     { return f.snap().ProductName() }
func (f *FileSettings) BundleID() string        { return f.snap().BundleID() }
func (f *FileSettings) ExecutableName() string  { return f.snap().ExecutableName() }
func (f *FileSettings) DerivedDataPath() string { return f.snap().DerivedDataPath() }
func (f *FileSettings) ArtifactPath() string    { return f.snap().ArtifactPath() }
