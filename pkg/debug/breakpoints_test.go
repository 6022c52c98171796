package debug

import (
	"errors"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBreakpoints(path string, lines ...int) *dap.SetBreakpointsRequest {
	req := &dap.SetBreakpointsRequest{
		Arguments: dap.SetBreakpointsArguments{Source: dap.Source{Path: path}},
	}
	for _, l := range lines {
		req.Arguments.Breakpoints = append(req.Arguments.Breakpoints, dap.SourceBreakpoint{Line: l})
	}
	return req
}

func TestBreakpointSet_Observe(t *testing.T) {
	b := NewBreakpointSet(nil)

	b.Observe(setBreakpoints("/b.swift", 5))
	b.Observe(setBreakpoints("/a.swift", 1, 2))
	b.Observe(&dap.ContinueRequest{})

	bps := b.Breakpoints()
	require.Len(t, bps, 3)
	assert.Equal(t, "/a.swift", bps[0].Source.Path)
	assert.Equal(t, 2, bps[1].Breakpoint.Line)
	assert.Equal(t, "/b.swift", bps[2].Source.Path)

	// A later request replaces the source's breakpoints.
	b.Observe(setBreakpoints("/a.swift", 7))
	assert.Len(t, b.Breakpoints(), 2)

	b.Observe(setBreakpoints("/a.swift"))
	bps = b.Breakpoints()
	require.Len(t, bps, 1)
	assert.Equal(t, "/b.swift", bps[0].Source.Path)
}

func TestBreakpointSet_RemoveAndAddResend(t *testing.T) {
	var sent []*dap.SetBreakpointsRequest
	b := NewBreakpointSet(func(msg dap.Message) error {
		sent = append(sent, msg.(*dap.SetBreakpointsRequest))
		return nil
	})
	b.Observe(setBreakpoints("/a.swift", 1, 2))

	all := b.Breakpoints()
	require.NoError(t, b.Remove(all[:1]))
	require.Len(t, sent, 1)
	assert.Equal(t, "setBreakpoints", sent[0].Command)
	assert.Equal(t, []dap.SourceBreakpoint{{Line: 2}}, sent[0].Arguments.Breakpoints)

	require.NoError(t, b.Add(all))
	require.Len(t, sent, 2)
	assert.Len(t, sent[1].Arguments.Breakpoints, 2)
	assert.Greater(t, sent[1].Seq, sent[0].Seq)

	// Adding an existing breakpoint does not duplicate it.
	require.NoError(t, b.Add(all[:1]))
	assert.Len(t, b.Breakpoints(), 2)
}

func TestBreakpointSet_RemoveLastClearsSource(t *testing.T) {
	var sent []*dap.SetBreakpointsRequest
	b := NewBreakpointSet(func(msg dap.Message) error {
		sent = append(sent, msg.(*dap.SetBreakpointsRequest))
		return nil
	})
	b.Observe(setBreakpoints("/a.swift", 3))

	require.NoError(t, b.Remove(b.Breakpoints()))
	require.Len(t, sent, 1)
	assert.Empty(t, sent[0].Arguments.Breakpoints)
	assert.Empty(t, b.Breakpoints())
}

func TestBreakpointSet_SendError(t *testing.T) {
	b := NewBreakpointSet(func(dap.Message) error { return errors.New("closed") })
	b.Observe(setBreakpoints("/a.swift", 3))

	err := b.Add([]Breakpoint{{Source: dap.Source{Path: "/c.swift"}, Breakpoint: dap.SourceBreakpoint{Line: 9}}})
	assert.ErrorContains(t, err, "closed")
}
