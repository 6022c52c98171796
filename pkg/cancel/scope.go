// Package cancel provides the one-shot cancellation scope shared by all work
// belonging to a single user action.
package cancel

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Scope.Err once the scope has been signaled.
var ErrCancelled = errors.New("scope cancelled")

// Scope is a one-shot, idempotent abort signal.
//
// Listeners registered before Cancel run exactly once when the scope fires.
// Listeners registered after Cancel run immediately on the registering goroutine.
type Scope struct {
	mu        sync.Mutex
	requested bool
	listeners map[int]func()
	nextID    int
	done      chan struct{}

	ctx       context.Context
	ctxCancel context.CancelFunc
}

// New creates an unsignaled scope.
func New() *Scope {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scope{
		listeners: make(map[int]func()),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: cancel,
	}
}

// FromContext creates a scope that is signaled when ctx is done.
func FromContext(ctx context.Context) *Scope {
	s := New()
	if ctx == nil {
		return s
	}
	stop := context.AfterFunc(ctx, func() { s.Cancel() })
	s.OnCancel(func() { stop() })
	return s
}

// Cancel signals the scope. It returns true only for the call that fired it.
func (s *Scope) Cancel() bool {
	s.mu.Lock()
	if s.requested {
		s.mu.Unlock()
		return false
	}
	s.requested = true
	listeners := make([]func(), 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	s.listeners = nil
	close(s.done)
	s.mu.Unlock()

	s.ctxCancel()
	for _, fn := range listeners {
		fn()
	}
	return true
}

// Requested reports whether the scope has been signaled.
func (s *Scope) Requested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// Err returns ErrCancelled once signaled, nil otherwise.
func (s *Scope) Err() error {
	if s.Requested() {
		return ErrCancelled
	}
	return nil
}

// Done returns a channel closed when the scope is signaled.
func (s *Scope) Done() <-chan struct{} {
	return s.done
}

// Context returns a context cancelled together with the scope.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// OnCancel registers fn to run when the scope fires. The returned function
// removes the listener; it is a no-op once the listener has run.
func (s *Scope) OnCancel(fn func()) (remove func()) {
	s.mu.Lock()
	if s.requested {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.listeners != nil {
			delete(s.listeners, id)
		}
	}
}

// Wait blocks until the scope is signaled or ctx is done.
func (s *Scope) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Child returns a scope that fires when s fires, or independently when the
// child itself is cancelled. Cancelling the child never affects s.
func (s *Scope) Child() *Scope {
	child := New()
	remove := s.OnCancel(func() { child.Cancel() })
	child.OnCancel(remove)
	return child
}
