package agent

import (
	"fmt"

	"kafl.local/agent/hypercall"
	"kafl.local/agent/state"

	"github.com/pkg/errors"
)

// Event is a lifecycle signal from the firmware to the agent.
type Event uint8

const (
	EventEnable Event = iota
	EventStart
	EventAbort
	EventSetCR3
	EventDone
	EventPanic
	EventKasan
	EventUbsan
	EventHalt
	EventReboot
	EventSafeHalt
	EventTimeout
	EventError
	EventPause
	EventResume
	EventTrace
)

var eventNames = map[Event]string{
	EventEnable:   "enable",
	EventStart:    "start",
	EventAbort:    "abort",
	EventSetCR3:   "setcr3",
	EventDone:     "done",
	EventPanic:    "panic",
	EventKasan:    "kasan",
	EventUbsan:    "ubsan",
	EventHalt:     "halt",
	EventReboot:   "reboot",
	EventSafeHalt: "safe_halt",
	EventTimeout:  "timeout",
	EventError:    "error",
	EventPause:    "pause",
	EventResume:   "resume",
	EventTrace:    "trace",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event%d", uint8(e))
}

// ParseEvent looks up an event by name.
func ParseEvent(name string) (Event, error) {
	for e, n := range eventNames {
		if n == name {
			return e, nil
		}
	}
	return 0, errors.Wrapf(ErrUnrecognizedEvent, "%q", name)
}

// Event delivers e to the agent. Start, Enable, Resume, Pause, Done and
// Abort act in any state. Other events are ignored until the agent is
// initialized, and are fatal afterwards unless they report a crash.
func (a *Agent) Event(e Event) {
	a.do("event "+e.String(), func(s *state.AgentState) error {
		return a.dispatch(s, e)
	})
}

func (a *Agent) dispatch(s *state.AgentState, e Event) error {
	switch e {
	case EventStart:
		if !s.Initialized {
			if err := a.negotiate(s); err != nil {
				return err
			}
		}
		s.FuzzEnabled = true
		return nil
	case EventEnable, EventResume:
		s.FuzzEnabled = true
		return nil
	case EventPause:
		s.FuzzEnabled = false
		return nil
	case EventDone:
		a.done(s)
		return nil
	case EventAbort:
		a.abort(AbortMessage)
	}

	if !s.Initialized {
		a.log.WithField("event", e).Warn("agent not initialized, ignoring event")
		return nil
	}

	switch e {
	case EventKasan, EventUbsan:
		a.terminal(hypercall.Kasan, 0)
	case EventPanic, EventError, EventHalt, EventReboot:
		a.terminal(hypercall.Panic, 0)
	case EventTimeout:
		return ErrTimeout
	default:
		return errors.Wrapf(ErrUnrecognizedEvent, "%v", e)
	}
	return nil
}
