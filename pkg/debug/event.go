package debug

import (
	"github.com/google/go-dap"
)

// Event drives a Machine. The set of events is closed.
type Event interface {
	isEvent()
}

// WillStart starts the session.
type WillStart struct{}

// Message carries a protocol message exchanged with the debugger.
type Message struct {
	Msg dap.Message
}

// Output is console output to append to the session log.
type Output struct {
	Category string
	Text     string
}

// StopRequested asks the session to stop and cancel its action.
type StopRequested struct{}

// ProcessExited reports that the app ended. Err is nil for a clean exit.
type ProcessExited struct {
	Err error
}

// stepDone feeds a pipeline step's outcome back into the event loop.
type stepDone struct {
	step State
	err  error
}

// advance asks the loop to enter the next pipeline state.
type advance struct {
	to State
}

func (WillStart) isEvent()     {}
func (Message) isEvent()       {}
func (Output) isEvent()        {}
func (StopRequested) isEvent() {}
func (ProcessExited) isEvent() {}
func (stepDone) isEvent()      {}
func (advance) isEvent()       {}
