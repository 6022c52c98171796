package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Log is the append-only output log of one session. Lines look like
//
//	15:04:05.000 [stdout] text
type Log struct {
	id   string
	path string

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// LogPath returns where the log for id lives under dir.
func LogPath(dir, id string) string {
	return filepath.Join(dir, id+".log")
}

// OpenLog opens, creating if needed, the log for id under dir.
func OpenLog(dir, id string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	path := LogPath(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	return &Log{id: id, path: path, file: f}, nil
}

// ID returns the session id.
func (l *Log) ID() string {
	return l.id
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes text under category. Multi-line text is split so every line
// carries the prefix. Appends after Close are dropped.
func (l *Log) Append(category, text string) error {
	text = strings.TrimRight(text, "\r\n")
	if category == "" {
		category = "console"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}

	stamp := time.Now().Format("15:04:05.000")
	var sb strings.Builder
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(&sb, "%s [%s] %s\n", stamp, category, strings.TrimRight(line, "\r"))
	}
	if _, err := l.file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	return nil
}

// Close closes the log. Safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// ReadLog returns up to the last tail lines of the log for id. A tail of
// zero or less returns every line.
func ReadLog(dir, id string, tail int) ([]string, error) {
	f, err := os.Open(LogPath(dir, id))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if tail > 0 && len(lines) > tail {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return lines, nil
}
