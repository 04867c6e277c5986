// Package agent is the guest side of a kAFL snapshot fuzzing session.
//
// An Agent negotiates with the host, hands fuzz input to the harness at
// call sites, and signals iteration outcomes through hypercalls. All state
// lives in a state.AgentState that is reconciled with a handoff.Store
// around every operation, so several Agent instances in independent
// firmware phases behave as one.
//
// Fatal conditions never return: they end in USER_ABORT, and a host that
// resumes the guest after a terminal hypercall makes the agent panic.
package agent

import (
	"kafl.local/agent/handoff"
	"kafl.local/agent/hypercall"
	"kafl.local/agent/memory"
	"kafl.local/agent/state"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AbortMessage is sent with USER_ABORT on the Abort event.
const AbortMessage = "kAFL got ABORT event"

// Scratch page layout. Strings and descriptors handed to the host by
// pointer are staged here.
const (
	nameOffset = hypercall.MessageSize
	nameSize   = 256
	descOffset = nameOffset + nameSize
)

// Config holds the build-time choices of an agent.
type Config struct {
	// Store holds the canonical agent state. Required.
	Store *handoff.Store
	// Transport issues hypercalls. Required.
	Transport hypercall.Transport
	// Mem is guest memory shared with the host. Required.
	Mem memory.Space
	// Alloc provides the payload, observed and scratch buffers. Required.
	Alloc memory.Allocator
	// Logger defaults to a logger writing to the host with PRINTF.
	Logger logrus.FieldLogger

	// ExitAtEOF ends the iteration at the first stream shortfall unless the
	// observed payload is being dumped.
	ExitAtEOF bool
	// ElementSize scales the shortfall into the release penalty.
	ElementSize uint32

	HostTracing      bool
	NonReloadMode    bool
	TimeoutDetection bool
	DumpPayloads     bool
}

// DefaultConfig returns the configuration of a typical firmware harness.
func DefaultConfig(store *handoff.Store, t hypercall.Transport, mem memory.Space, alloc memory.Allocator) Config {
	return Config{
		Store:       store,
		Transport:   t,
		Mem:         mem,
		Alloc:       alloc,
		ExitAtEOF:   true,
		ElementSize: 1,
		HostTracing: true,
	}
}

// Agent is one phase's handle on the fuzzing session. It is not safe for
// concurrent use, and neither is the store it shares with other phases.
type Agent struct {
	cfg     Config
	log     logrus.FieldLogger
	scratch uint64
	local   state.AgentState
}

// New returns an agent for one firmware phase.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil || cfg.Transport == nil || cfg.Mem == nil || cfg.Alloc == nil {
		return nil, errors.New("agent: store, transport, memory and allocator are required")
	}
	if cfg.ElementSize == 0 {
		cfg.ElementSize = 1
	}
	scratch, err := cfg.Alloc.AllocatePages(1)
	if err != nil {
		return nil, errors.Wrap(err, "allocate scratch page")
	}
	a := &Agent{cfg: cfg, log: cfg.Logger, scratch: scratch}
	if a.log == nil {
		a.log = hypercall.NewLogger(cfg.Transport, cfg.Mem, scratch)
	}
	return a, nil
}

// State returns a copy of the agent's view of the canonical state.
func (a *Agent) State() state.AgentState {
	if _, err := a.cfg.Store.ReconcileIn(&a.local); err != nil {
		a.fatal(errors.Wrap(err, "reconcile in"))
	}
	return a.local
}

// do runs op on the local state between ReconcileIn and ReconcileOut.
// An error from op is fatal.
func (a *Agent) do(name string, op func(s *state.AgentState) error) {
	if _, err := a.cfg.Store.ReconcileIn(&a.local); err != nil {
		a.fatal(errors.Wrapf(err, "%s: reconcile in", name))
	}
	if err := op(&a.local); err != nil {
		a.fatal(errors.Wrap(err, name))
	}
	a.commit()
}

// commit publishes the local state. Called before every hypercall that
// hands control to the host for good.
func (a *Agent) commit() {
	if err := a.cfg.Store.ReconcileOut(&a.local); err != nil {
		a.fatal(errors.Wrap(err, "reconcile out"))
	}
}

func (a *Agent) fatal(err error) {
	a.log.WithError(err).Error("aborting session")
	a.abort(err.Error())
}

func (a *Agent) abort(msg string) {
	hypercall.Message(a.cfg.Transport, a.cfg.Mem, a.scratch, hypercall.UserAbort, msg)
	panic(errors.Wrapf(hypercall.ErrReturned, "%v", hypercall.UserAbort))
}

func (a *Agent) terminal(op hypercall.Opcode, arg uint64) {
	a.commit()
	hypercall.Terminal(a.cfg.Transport, op, arg)
}
