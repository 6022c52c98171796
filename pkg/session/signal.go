package session

import (
	"context"
	"sync"
)

// Signal is a one-shot event carrying an optional error.
type Signal struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewSignal creates an unfired signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire fires the signal with err. Only the first call has an effect; it
// reports whether this call fired the signal.
func (s *Signal) Fire(err error) bool {
	fired := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		fired = true
	})
	return fired
}

// Done returns a channel closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Fired reports whether the signal has fired.
func (s *Signal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the error the signal fired with. It is nil until Done closes.
func (s *Signal) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Completion is the outcome of one registered action: either a success or a
// failure signal fires, never both, and never more than once.
type Completion struct {
	mu      sync.Mutex
	settled bool

	success *Signal
	failure *Signal
	done    chan struct{}
}

func newCompletion() *Completion {
	return &Completion{
		success: NewSignal(),
		failure: NewSignal(),
		done:    make(chan struct{}),
	}
}

// Succeed fires the success signal. It reports false if the completion was
// already settled.
func (c *Completion) Succeed() bool {
	return c.settle(c.success, nil)
}

// Fail fires the failure signal with err. It reports false if the completion
// was already settled.
func (c *Completion) Fail(err error) bool {
	return c.settle(c.failure, err)
}

func (c *Completion) settle(s *Signal, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return false
	}
	c.settled = true
	s.Fire(err)
	close(c.done)
	return true
}

// Done returns a channel closed once the completion is settled.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Success returns the success signal.
func (c *Completion) Success() *Signal {
	return c.success
}

// Failure returns the failure signal.
func (c *Completion) Failure() *Signal {
	return c.failure
}

// Wait blocks until the completion settles or ctx is done. It returns nil on
// success and the failure error otherwise.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.failure.Fired() {
		return c.failure.Err()
	}
	return nil
}
