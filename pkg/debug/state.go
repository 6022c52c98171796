package debug

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle phase of a debug session.
type State int

const (
	// Configuring means the session is looking up its action and opening its log.
	Configuring State = iota
	// Building means the build step is running.
	Building
	// Launching means the app is being installed and started.
	Launching
	// Running means the app is up and the session waits for it to end.
	Running
	// Stopping means termination is in progress.
	Stopping
	// Stopped is terminal.
	Stopped
)

// String returns the string representation of a state.
func (s State) String() string {
	switch s {
	case Configuring:
		return "configuring"
	case Building:
		return "building"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	Configuring: {Building, Stopping},
	Building:    {Launching, Stopping},
	Launching:   {Running, Stopping},
	Running:     {Stopping},
	Stopping:    {Stopped},
}

// CanTransition reports whether to may follow s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition records one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Kind is the user action a session performs.
type Kind int

const (
	// KindRun builds and launches without waiting for a debugger.
	KindRun Kind = iota
	// KindDebug builds and launches held for the debugger.
	KindDebug
	// KindBuild only builds.
	KindBuild
	// KindTest builds for testing and runs the tests.
	KindTest
)

func (k Kind) String() string {
	switch k {
	case KindRun:
		return "run"
	case KindDebug:
		return "debug"
	case KindBuild:
		return "build"
	case KindTest:
		return "test"
	default:
		return "unknown"
	}
}

// ParseKind parses a Kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "run", "":
		return KindRun, nil
	case "debug":
		return KindDebug, nil
	case "build":
		return KindBuild, nil
	case "test", "tests":
		return KindTest, nil
	}
	return KindRun, fmt.Errorf("unknown action kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// BuildPolicy decides whether the build step runs before a launch.
type BuildPolicy string

const (
	PolicyAlways BuildPolicy = "always"
	PolicyAsk    BuildPolicy = "ask"
	PolicyNever  BuildPolicy = "never"
)

// ParseBuildPolicy parses a policy name. Empty means PolicyAlways.
func ParseBuildPolicy(s string) (BuildPolicy, error) {
	switch p := BuildPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAlways, nil
	case PolicyAlways, PolicyAsk, PolicyNever:
		return p, nil
	}
	return PolicyAlways, fmt.Errorf("unknown build policy %q", s)
}

// Prompter answers the "build before launch?" question for PolicyAsk.
type Prompter interface {
	ConfirmBuild(sessionID, artifactPath string) (bool, error)
}

// StaticPrompter always gives the same answer.
type StaticPrompter bool

// ConfirmBuild returns the fixed answer.
func (p StaticPrompter) ConfirmBuild(string, string) (bool, error) {
	return bool(p), nil
}
