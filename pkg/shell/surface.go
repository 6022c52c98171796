package shell

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// SurfaceFactory opens the writer backing a named output surface.
type SurfaceFactory func(name string) (io.WriteCloser, error)

// Surface is a named, reusable output sink. Only one foreground task owns a
// surface at a time.
type Surface struct {
	name string

	mu       sync.Mutex
	w        io.WriteCloser
	busy     bool
	disposed bool
}

// Name returns the surface name.
func (s *Surface) Name() string {
	return s.name
}

// WriteLine writes one line. Writes after disposal are dropped.
func (s *Surface) WriteLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.w == nil {
		return
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

// Announce writes the command about to run.
func (s *Surface) Announce(commandLine string) {
	s.WriteLine("> " + commandLine)
}

// Disposed reports whether the surface has been disposed.
func (s *Surface) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *Surface) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	if s.w != nil {
		_ = s.w.Close()
	}
}

// Surfaces tracks open output surfaces by name. One set may be shared by
// several executors.
type Surfaces struct {
	mu      sync.Mutex
	open    map[string]*Surface
	factory SurfaceFactory
}

// NewSurfaces creates a surface set backed by factory. A nil factory discards
// all output.
func NewSurfaces(factory SurfaceFactory) *Surfaces {
	if factory == nil {
		factory = DiscardSurfaces()
	}
	return &Surfaces{
		open:    make(map[string]*Surface),
		factory: factory,
	}
}

// Acquire returns the surface for name, marked as owned by the caller.
// An idle surface is reused; a surface still owned by a running task is
// disposed and replaced with a fresh one.
func (ss *Surfaces) Acquire(name string) (*Surface, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if s, ok := ss.open[name]; ok {
		s.mu.Lock()
		reusable := !s.busy && !s.disposed
		if reusable {
			s.busy = true
		}
		s.mu.Unlock()
		if reusable {
			return s, nil
		}
		s.dispose()
		delete(ss.open, name)
	}

	w, err := ss.factory(name)
	if err != nil {
		return nil, fmt.Errorf("open surface %s: %w", name, err)
	}
	s := &Surface{name: name, w: w, busy: true}
	ss.open[name] = s
	return s, nil
}

// Release marks s idle so the next task with the same name can reuse it.
func (ss *Surfaces) Release(s *Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// Names returns the names of open surfaces.
func (ss *Surfaces) Names() []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	names := make([]string, 0, len(ss.open))
	for name := range ss.open {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close disposes every open surface.
func (ss *Surfaces) Close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for name, s := range ss.open {
		s.dispose()
		delete(ss.open, name)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// DiscardSurfaces drops all output.
func DiscardSurfaces() SurfaceFactory {
	return func(string) (io.WriteCloser, error) {
		return nopCloser{io.Discard}, nil
	}
}

// ConsoleSurfaces writes every line to w prefixed with the surface name.
func ConsoleSurfaces(w io.Writer) SurfaceFactory {
	var mu sync.Mutex
	return func(name string) (io.WriteCloser, error) {
		return nopCloser{&prefixWriter{mu: &mu, w: w, prefix: "[" + name + "] "}}, nil
	}
}

// FileSurfaces appends each surface to its own file under dir.
func FileSurfaces(dir string) SurfaceFactory {
	return func(name string) (io.WriteCloser, error) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, sanitize(name)+".log")
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
}

// MultiSurfaces fans every surface out to all factories.
func MultiSurfaces(factories ...SurfaceFactory) SurfaceFactory {
	return func(name string) (io.WriteCloser, error) {
		var ws []io.WriteCloser
		for _, f := range factories {
			w, err := f(name)
			if err != nil {
				for _, opened := range ws {
					_ = opened.Close()
				}
				return nil, err
			}
			ws = append(ws, w)
		}
		return multiCloser(ws), nil
	}
}

type multiCloser []io.WriteCloser

func (m multiCloser) Write(p []byte) (int, error) {
	for _, w := range m {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (m multiCloser) Close() error {
	var first error
	for _, w := range m {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.w, p.prefix+string(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// MemorySink records surface output in memory.
type MemorySink struct {
	mu    sync.Mutex
	lines map[string][]string
	opens map[string]int
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		lines: make(map[string][]string),
		opens: make(map[string]int),
	}
}

// Factory returns a SurfaceFactory writing into the sink.
func (m *MemorySink) Factory() SurfaceFactory {
	return func(name string) (io.WriteCloser, error) {
		m.mu.Lock()
		m.opens[name]++
		m.mu.Unlock()
		return nopCloser{&memoryWriter{sink: m, name: name}}, nil
	}
}

// Lines returns the lines written to the named surface.
func (m *MemorySink) Lines(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lines[name]))
	copy(out, m.lines[name])
	return out
}

// Opens returns how many times the named surface was opened.
func (m *MemorySink) Opens(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[name]
}

type memoryWriter struct {
	sink *MemorySink
	name string
}

func (w *memoryWriter) Write(b []byte) (int, error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		w.sink.lines[w.name] = append(w.sink.lines[w.name], line)
	}
	return len(b), nil
}

func sanitize(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "surface"
	}
	return sb.String()
}
