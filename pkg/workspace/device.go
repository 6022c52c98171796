// Package workspace exposes the read-only project settings an action runs
// against and the device it targets.
package workspace

import (
	"fmt"
	"strings"
)

// Platform identifies where an app runs.
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformMacOS
	PlatformIOSSimulator
	PlatformWatchOSSimulator
	PlatformVisionOSSimulator
	PlatformTVOSSimulator
)

var platformNames = map[Platform]string{
	PlatformMacOS:             "macOS",
	PlatformIOSSimulator:      "iOSSimulator",
	PlatformWatchOSSimulator:  "watchOSSimulator",
	PlatformVisionOSSimulator: "visionOSSimulator",
	PlatformTVOSSimulator:     "tvOSSimulator",
}

// sdkNames are the xcodebuild SDK suffixes used in product directories.
var sdkNames = map[Platform]string{
	PlatformIOSSimulator:      "iphonesimulator",
	PlatformWatchOSSimulator:  "watchsimulator",
	PlatformVisionOSSimulator: "xrsimulator",
	PlatformTVOSSimulator:     "appletvsimulator",
}

func (p Platform) String() string {
	if name, ok := platformNames[p]; ok {
		return name
	}
	return "unknown"
}

// IsSimulator reports whether p is one of the simulator platforms.
func (p Platform) IsSimulator() bool {
	_, ok := sdkNames[p]
	return ok
}

// SDK returns the simulator SDK name, or "" for macOS.
func (p Platform) SDK() string {
	return sdkNames[p]
}

// ParsePlatform accepts the canonical names case-insensitively, plus a few
// short forms ("mac", "ios", "watchos", "visionos", "tvos").
func ParsePlatform(s string) (Platform, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for p, name := range platformNames {
		if strings.ToLower(name) == key {
			return p, nil
		}
	}
	switch key {
	case "mac", "macos", "osx":
		return PlatformMacOS, nil
	case "ios", "iphonesimulator":
		return PlatformIOSSimulator, nil
	case "watchos", "watchsimulator":
		return PlatformWatchOSSimulator, nil
	case "visionos", "xros", "xrsimulator":
		return PlatformVisionOSSimulator, nil
	case "tvos", "appletvsimulator":
		return PlatformTVOSSimulator, nil
	}
	return PlatformUnknown, fmt.Errorf("unknown platform %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Platform) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Platform) UnmarshalText(b []byte) error {
	parsed, err := ParsePlatform(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DeviceTarget is the device an action runs on.
type DeviceTarget struct {
	ID        string   `toml:"id" json:"id"`
	Platform  Platform `toml:"platform" json:"platform"`
	Name      string   `toml:"name" json:"name"`
	OSVersion string   `toml:"os_version" json:"os_version"`
}

// IsSimulator reports whether the target is a simulator.
func (d DeviceTarget) IsSimulator() bool {
	return d.Platform.IsSimulator()
}

func (d DeviceTarget) String() string {
	if d.Name == "" {
		return fmt.Sprintf("%s (%s)", d.ID, d.Platform)
	}
	if d.OSVersion == "" {
		return fmt.Sprintf("%s (%s)", d.Name, d.Platform)
	}
	return fmt.Sprintf("%s %s (%s)", d.Name, d.OSVersion, d.Platform)
}
