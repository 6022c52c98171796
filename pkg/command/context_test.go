//go:build !windows

package command

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/launchpad/pkg/shell"
	"github.com/ternarybob/launchpad/pkg/workspace"
)

func testSettings() workspace.Settings {
	return workspace.Values{
		Project: "App.xcodeproj",
		Scheme:  "App",
		Device:  workspace.DeviceTarget{Platform: workspace.PlatformMacOS},
	}.Settings()
}

func newTestContext(sink *shell.MemorySink) *Context {
	exec := shell.NewExecutor(
		shell.WithSurfaceFactory(sink.Factory()),
		shell.WithKillGrace(500*time.Millisecond),
	)
	return New(exec, testSettings())
}

func TestContext_ExecShellUsesNameAsSurface(t *testing.T) {
	sink := shell.NewMemorySink()
	cc := newTestContext(sink)

	result, err := cc.ExecShell("Build", shell.Task{Command: "echo built", Shell: true})
	require.NoError(t, err)
	assert.Equal(t, "built\n", result.Stdout)

	lines := sink.Lines("Build")
	require.NotEmpty(t, lines)
	assert.Equal(t, "built", lines[len(lines)-1])
	assert.Equal(t, "App", cc.Settings().Scheme())
}

func TestContext_ForegroundStepsAreSerialized(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "order")
	cc := newTestContext(shell.NewMemorySink())

	var wg sync.WaitGroup
	for i, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			// Each step writes start and end markers around a short sleep.
			_, err := cc.ExecShell(name, shell.Task{
				Command: "echo start-" + name + " >> " + logPath + "; sleep 0.05; echo end-" + name + " >> " + logPath,
				Shell:   true,
			})
			assert.NoError(t, err)
		}(name)
		// Give each goroutine a head start so submission order is a, b, c.
		time.Sleep(time.Duration(i+1) * 5 * time.Millisecond)
	}
	wg.Wait()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Fields(string(data))
	require.Len(t, lines, 6)
	for i := 0; i < 6; i += 2 {
		name := strings.TrimPrefix(lines[i], "start-")
		assert.Equal(t, "end-"+name, lines[i+1], "steps must not interleave: %v", lines)
	}
}

func TestContext_CancelledBeforeStep(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	cc := newTestContext(shell.NewMemorySink())

	assert.True(t, cc.Cancel())
	assert.False(t, cc.Cancel(), "second cancel is a no-op")
	assert.True(t, cc.Cancelled())

	_, err := cc.ExecShell("touch", shell.Task{Command: "touch " + marker, Shell: true})
	assert.ErrorIs(t, err, shell.ErrUserTerminated)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestContext_ExecShellTimeout(t *testing.T) {
	cc := newTestContext(shell.NewMemorySink())

	start := time.Now()
	_, err := cc.ExecShellTimeout("terminate", shell.Task{Command: "sleep", Args: []string{"30"}}, 100*time.Millisecond)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "terminate", te.Op)
	assert.Equal(t, 100*time.Millisecond, te.After)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, cc.Cancelled(), "a timeout does not cancel the action")

	// The Context remains usable.
	_, err = cc.ExecShell("after", shell.Task{Command: "true"})
	assert.NoError(t, err)
}

func TestContext_ExecShellTimeoutCompletesInTime(t *testing.T) {
	cc := newTestContext(shell.NewMemorySink())

	result, err := cc.ExecShellTimeout("quick", shell.Task{Command: "echo ok", Shell: true}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", result.Stdout)
}

func TestContext_ExecShellTimeoutCancelledIsUserTerminated(t *testing.T) {
	cc := newTestContext(shell.NewMemorySink())

	go func() {
		time.Sleep(100 * time.Millisecond)
		cc.Cancel()
	}()
	_, err := cc.ExecShellTimeout("terminate", shell.Task{Command: "sleep", Args: []string{"30"}}, 10*time.Second)

	assert.ErrorIs(t, err, shell.ErrUserTerminated)
	assert.False(t, IsTimeout(err))
}

func TestContext_ParallelDoesNotBlockForeground(t *testing.T) {
	sink := shell.NewMemorySink()
	cc := newTestContext(sink)

	p, err := cc.StartParallel(shell.Task{Command: "sleep", Args: []string{"30"}, Terminal: "app"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := cc.ExecShell("install", shell.Task{Command: "true"})
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("foreground step blocked behind detached process")
	}

	cc.Cancel()
	_, err = p.Wait()
	assert.True(t, errors.Is(err, shell.ErrUserTerminated))
}

func TestContext_WaitToCancel(t *testing.T) {
	cc := newTestContext(shell.NewMemorySink())

	released := make(chan struct{})
	go func() {
		cc.WaitToCancel()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("WaitToCancel returned before cancel")
	case <-time.After(50 * time.Millisecond):
	}

	cc.Cancel()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("WaitToCancel did not return after cancel")
	}
	<-cc.Done()
}

// countingCloser counts surface writers opened and closed.
type countingCloser struct {
	mu             sync.Mutex
	opened, closed int
}

func (c *countingCloser) factory() shell.SurfaceFactory {
	return func(string) (io.WriteCloser, error) {
		c.mu.Lock()
		c.opened++
		c.mu.Unlock()
		return &countedWriter{c: c}, nil
	}
}

func (c *countingCloser) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed
}

type countedWriter struct{ c *countingCloser }

func (w *countedWriter) Write(b []byte) (int, error) { return len(b), nil }

func (w *countedWriter) Close() error {
	w.c.mu.Lock()
	w.c.closed++
	w.c.mu.Unlock()
	return nil
}

func TestContext_ParallelSurfacesAreClosedOnExit(t *testing.T) {
	var cnt countingCloser
	cc := New(shell.NewExecutor(shell.WithSurfaceFactory(cnt.factory())), testSettings())

	for i := 0; i < 5; i++ {
		_, err := cc.ExecShellParallel(shell.Task{Command: "true", Terminal: "Launch"})
		require.NoError(t, err)
	}

	opened, closed := cnt.counts()
	assert.Equal(t, 5, opened)
	assert.Equal(t, 5, closed, "every detached surface closed once its process exits")
}
