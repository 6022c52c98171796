// Package status records the lifecycle status each session reports and fans
// updates out to subscribers.
package status

import (
	"sync"
	"time"
)

// Status is a coarse, user-facing session status.
type Status string

const (
	Configuring Status = "configuring"
	Building    Status = "building"
	Launching   Status = "launching"
	Stopped     Status = "stopped"
)

// Reporter receives status updates.
type Reporter interface {
	UpdateStatus(sessionID string, s Status)
}

// Update is one reported status change.
type Update struct {
	SessionID string    `json:"session_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultMaxHistory bounds the updates retained per session.
const DefaultMaxHistory = 100

// Tracker implements Reporter. It keeps the recent updates of every session
// and delivers new ones to subscribers without blocking the reporter. A
// status equal to the session's current one is collapsed into it.
type Tracker struct {
	mu sync.RWMutex

	history     map[string][]Update
	maxHistory  int
	subscribers map[<-chan Update]chan Update
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		history:     make(map[string][]Update),
		maxHistory:  DefaultMaxHistory,
		subscribers: make(map[<-chan Update]chan Update),
	}
}

// UpdateStatus records s for sessionID.
func (t *Tracker) UpdateStatus(sessionID string, s Status) {
	u := Update{SessionID: sessionID, Status: s, Timestamp: time.Now()}

	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.history[sessionID]
	if len(h) > 0 && h[len(h)-1].Status == s {
		return
	}
	h = append(h, u)
	if len(h) > t.maxHistory {
		h = h[len(h)-t.maxHistory:]
	}
	t.history[sessionID] = h

	for _, ch := range t.subscribers {
		select {
		case ch <- u:
		default:
			// Slow subscriber; drop rather than stall the session.
		}
	}
}

// Current returns the latest status of sessionID.
func (t *Tracker) Current(sessionID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.history[sessionID]
	if len(h) == 0 {
		return "", false
	}
	return h[len(h)-1].Status, true
}

// History returns the recorded updates of sessionID, oldest first.
func (t *Tracker) History(sessionID string) []Update {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := t.history[sessionID]
	out := make([]Update, len(h))
	copy(out, h)
	return out
}

// Statuses returns just the statuses of sessionID, oldest first.
func (t *Tracker) Statuses(sessionID string) []Status {
	h := t.History(sessionID)
	out := make([]Status, len(h))
	for i, u := range h {
		out[i] = u.Status
	}
	return out
}

// Sessions returns the latest status of every session seen.
func (t *Tracker) Sessions() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.history))
	for id, h := range t.history {
		if len(h) > 0 {
			out[id] = h[len(h)-1].Status
		}
	}
	return out
}

// Forget drops the history of sessionID.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, sessionID)
}

// Subscribe returns a channel receiving every subsequent update.
func (t *Tracker) Subscribe() <-chan Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Update, 100)
	t.subscribers[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription.
func (t *Tracker) Unsubscribe(ch <-chan Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if send, ok := t.subscribers[ch]; ok {
		delete(t.subscribers, ch)
		close(send)
	}
}

// Multi fans updates out to several reporters.
type Multi []Reporter

// UpdateStatus forwards to every reporter.
func (m Multi) UpdateStatus(sessionID string, s Status) {
	for _, r := range m {
		if r != nil {
			r.UpdateStatus(sessionID, s)
		}
	}
}

// Noop discards updates.
type Noop struct{}

// UpdateStatus is a no-op.
func (Noop) UpdateStatus(string, Status) {}
