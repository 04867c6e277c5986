package agent

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnrecognizedEvent is raised for events the agent has no handler for
	// once initialized. The event space is closed, so this means the host and
	// the agent disagree on the protocol.
	ErrUnrecognizedEvent = errors.New("unrecognized fuzz event")
	// ErrTimeout is raised for the timeout event, which has no handler.
	ErrTimeout = errors.New("timeout event is not handled")
	// ErrNotInitialized is raised when a run is finished before it started.
	ErrNotInitialized = errors.New("attempt to finish kAFL run but never initialized")
)

// ProtocolError is a failed configuration exchange step.
type ProtocolError struct {
	Step string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %v", e.Step, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Cause() error { return e.Err }

func protocolError(step string, err error) error {
	return &ProtocolError{Step: step, Err: err}
}
