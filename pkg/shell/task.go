// Package shell spawns and supervises external processes on behalf of a
// single user action, streaming their output to named output surfaces.
package shell

import (
	"strings"
)

// Mode controls how a task's output is observed.
type Mode int

const (
	// ModeVerbose streams every output line to the task's surface.
	ModeVerbose Mode = iota
	// ModeSilent streams nothing and keeps only stderr for diagnostics.
	ModeSilent
	// ModeCaptureOnly streams nothing and captures both streams.
	ModeCaptureOnly
	// ModeParallelDetached runs the task on a fresh detached executor.
	ModeParallelDetached
)

// String returns the string representation of a mode.
func (m Mode) String() string {
	switch m {
	case ModeVerbose:
		return "verbose"
	case ModeSilent:
		return "silent"
	case ModeCaptureOnly:
		return "capture_only"
	case ModeParallelDetached:
		return "parallel_detached"
	default:
		return "unknown"
	}
}

// Task describes one process invocation. A task is not modified once submitted.
type Task struct {
	// Command is an executable name or path. When Shell is set it is a
	// shell line passed to /bin/sh -c instead.
	Command string

	// Script is a path to a script file run with /bin/sh. It takes
	// precedence over Command.
	Script string

	// Shell runs Command through /bin/sh -c.
	Shell bool

	Args []string
	Dir  string
	Env  map[string]string

	// Terminal names the output surface. Defaults to the command name.
	Terminal string

	Mode Mode
}

// argv resolves the program and arguments to execute.
func (t Task) argv() (string, []string) {
	switch {
	case t.Script != "":
		return "/bin/sh", append([]string{t.Script}, t.Args...)
	case t.Shell:
		line := t.Command
		if len(t.Args) > 0 {
			line += " " + strings.Join(quoteAll(t.Args), " ")
		}
		return "/bin/sh", []string{"-c", line}
	default:
		return t.Command, t.Args
	}
}

// CommandLine renders the task as a human readable command line.
func (t Task) CommandLine() string {
	if t.Shell && t.Script == "" {
		_, args := t.argv()
		return args[1]
	}
	name, args := t.argv()
	parts := append([]string{name}, quoteAll(args)...)
	return strings.Join(parts, " ")
}

// TerminalName returns the surface name for the task.
func (t Task) TerminalName() string {
	if t.Terminal != "" {
		return t.Terminal
	}
	if t.Script != "" {
		return t.Script
	}
	if t.Shell {
		return "shell"
	}
	return t.Command
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = quote(a)
	}
	return out
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;!#~") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}
