package debug

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/go-dap"
)

// Breakpoint is one source breakpoint together with its source.
type Breakpoint struct {
	Source     dap.Source
	Breakpoint dap.SourceBreakpoint
}

// BreakpointHost owns the session's active breakpoints.
type BreakpointHost interface {
	Breakpoints() []Breakpoint
	Remove(bps []Breakpoint) error
	Add(bps []Breakpoint) error
}

// messageObserver is implemented by hosts that learn breakpoints from the
// protocol traffic itself.
type messageObserver interface {
	Observe(msg dap.Message)
}

// BreakpointSet is a BreakpointHost that tracks the breakpoints the client
// sets and, when given a sender, replays changes to the debugger as
// setBreakpoints requests.
type BreakpointSet struct {
	mu       sync.Mutex
	bySource map[string]*sourceBreakpoints
	send     func(dap.Message) error
	seq      int
}

type sourceBreakpoints struct {
	source dap.Source
	bps    []dap.SourceBreakpoint
}

// NewBreakpointSet creates an empty set. send may be nil.
func NewBreakpointSet(send func(dap.Message) error) *BreakpointSet {
	return &BreakpointSet{
		bySource: make(map[string]*sourceBreakpoints),
		send:     send,
	}
}

func sourceKey(s dap.Source) string {
	switch {
	case s.Path != "":
		return s.Path
	case s.Name != "":
		return s.Name
	default:
		return fmt.Sprintf("ref:%d", s.SourceReference)
	}
}

// Observe records the breakpoints of a setBreakpoints request. Each request
// replaces every breakpoint previously set in that source.
func (b *BreakpointSet) Observe(msg dap.Message) {
	req, ok := msg.(*dap.SetBreakpointsRequest)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	key := sourceKey(req.Arguments.Source)
	if len(req.Arguments.Breakpoints) == 0 {
		delete(b.bySource, key)
		return
	}
	bps := make([]dap.SourceBreakpoint, len(req.Arguments.Breakpoints))
	copy(bps, req.Arguments.Breakpoints)
	b.bySource[key] = &sourceBreakpoints{source: req.Arguments.Source, bps: bps}
}

// Breakpoints returns every active breakpoint ordered by source and line.
func (b *BreakpointSet) Breakpoints() []Breakpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.bySource))
	for k := range b.bySource {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Breakpoint
	for _, k := range keys {
		sb := b.bySource[k]
		for _, bp := range sb.bps {
			out = append(out, Breakpoint{Source: sb.source, Breakpoint: bp})
		}
	}
	return out
}

// Remove clears bps. Every affected source is re-sent with what remains.
func (b *BreakpointSet) Remove(bps []Breakpoint) error {
	b.mu.Lock()
	touched := make(map[string]dap.Source)
	for _, bp := range bps {
		key := sourceKey(bp.Source)
		sb, ok := b.bySource[key]
		if !ok {
			continue
		}
		kept := sb.bps[:0]
		for _, existing := range sb.bps {
			if !sameBreakpoint(existing, bp.Breakpoint) {
				kept = append(kept, existing)
			}
		}
		sb.bps = kept
		touched[key] = sb.source
	}
	reqs := b.requestsLocked(touched)
	for key := range touched {
		if len(b.bySource[key].bps) == 0 {
			delete(b.bySource, key)
		}
	}
	b.mu.Unlock()

	return b.dispatch(reqs)
}

// Add sets bps. Every affected source is re-sent in full.
func (b *BreakpointSet) Add(bps []Breakpoint) error {
	b.mu.Lock()
	touched := make(map[string]dap.Source)
	for _, bp := range bps {
		key := sourceKey(bp.Source)
		sb, ok := b.bySource[key]
		if !ok {
			sb = &sourceBreakpoints{source: bp.Source}
			b.bySource[key] = sb
		}
		dup := false
		for _, existing := range sb.bps {
			if sameBreakpoint(existing, bp.Breakpoint) {
				dup = true
				break
			}
		}
		if !dup {
			sb.bps = append(sb.bps, bp.Breakpoint)
		}
		touched[key] = sb.source
	}
	reqs := b.requestsLocked(touched)
	b.mu.Unlock()

	return b.dispatch(reqs)
}

func (b *BreakpointSet) requestsLocked(touched map[string]dap.Source) []dap.Message {
	if b.send == nil {
		return nil
	}
	keys := make([]string, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reqs := make([]dap.Message, 0, len(keys))
	for _, k := range keys {
		bps := []dap.SourceBreakpoint{}
		if sb, ok := b.bySource[k]; ok {
			bps = append(bps, sb.bps...)
		}
		b.seq++
		reqs = append(reqs, &dap.SetBreakpointsRequest{
			Request: dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: b.seq, Type: "request"},
				Command:         "setBreakpoints",
			},
			Arguments: dap.SetBreakpointsArguments{
				Source:      touched[k],
				Breakpoints: bps,
			},
		})
	}
	return reqs
}

func (b *BreakpointSet) dispatch(reqs []dap.Message) error {
	for _, req := range reqs {
		if err := b.send(req); err != nil {
			return fmt.Errorf("send setBreakpoints: %w", err)
		}
	}
	return nil
}

func sameBreakpoint(a, b dap.SourceBreakpoint) bool {
	return a.Line == b.Line && a.Column == b.Column
}
