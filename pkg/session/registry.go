// Package session tracks the in-flight actions by session id and keeps an
// append-only log for each session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/launchpad/pkg/command"
)

// ErrSessionExists is returned by Register when the id is already live.
var ErrSessionExists = errors.New("session already registered")

// Record is one registered action.
type Record struct {
	ID           string
	Context      *command.Context
	Completion   *Completion
	RegisteredAt time.Time

	released chan struct{}
}

// Info is a snapshot of a record for listing.
type Info struct {
	ID           string    `json:"id"`
	RegisteredAt time.Time `json:"registered_at"`
	Cancelled    bool      `json:"cancelled"`
	Settled      bool      `json:"settled"`
}

// Registry maps session ids to the Context of the action running them.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
	}
}

// Register records cc under id and returns the completion the action must
// settle. A live record with the same id is never overwritten.
func (r *Registry) Register(id string, cc *command.Context) (*Completion, error) {
	if id == "" {
		return nil, fmt.Errorf("register: empty session id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; ok {
		return nil, fmt.Errorf("register %s: %w", id, ErrSessionExists)
	}
	rec := &Record{
		ID:           id,
		Context:      cc,
		Completion:   newCompletion(),
		RegisteredAt: time.Now(),
		released:     make(chan struct{}),
	}
	r.records[id] = rec
	return rec.Completion, nil
}

// Lookup returns the Context registered under id.
func (r *Registry) Lookup(id string) (*command.Context, bool) {
	rec, ok := r.Record(id)
	if !ok {
		return nil, false
	}
	return rec.Context, true
}

// Record returns the full record registered under id.
func (r *Registry) Record(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Unregister removes id. It reports whether a record was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()

	if ok {
		close(rec.released)
	}
	return ok
}

// AwaitRelease blocks until no record is registered under id, or ctx is done.
func (r *Registry) AwaitRelease(ctx context.Context, id string) error {
	rec, ok := r.Record(id)
	if !ok {
		return nil
	}
	select {
	case <-rec.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns the live records ordered by registration time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.records))
	for _, rec := range r.records {
		info := Info{
			ID:           rec.ID,
			RegisteredAt: rec.RegisteredAt,
		}
		if rec.Context != nil {
			info.Cancelled = rec.Context.Cancelled()
		}
		select {
		case <-rec.Completion.Done():
			info.Settled = true
		default:
		}
		infos = append(infos, info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].RegisteredAt.Equal(infos[j].RegisteredAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].RegisteredAt.Before(infos[j].RegisteredAt)
	})
	return infos
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// CancelAll cancels every live action. Records stay registered until their
// actions unregister them.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	contexts := make([]*command.Context, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Context != nil {
			contexts = append(contexts, rec.Context)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, cc := range contexts {
		if cc.Cancel() {
			n++
		}
	}
	return n
}
