package agent

import (
	"kafl.local/agent/hypercall"
	"kafl.local/agent/memory"
	"kafl.local/agent/state"
	"kafl.local/agent/wire"

	"github.com/pkg/errors"
)

// Names of the files dumped to the host workdir at the end of an iteration.
const (
	ObservedPayloadFile = "observed_payload"
	StatsFile           = "fuzz_stats.yaml"
	CallersFile         = "fuzz_callers"
)

// Done finishes the iteration. It is fatal to finish a run that was never
// started.
func (a *Agent) Done() {
	a.do("done", func(s *state.AgentState) error {
		if !s.Initialized {
			return ErrNotInitialized
		}
		a.done(s)
		return nil
	})
}

// DeadLoop is called when firmware parks the CPU for good, which ends a
// successful run.
func (a *Agent) DeadLoop() {
	a.log.Info("exit on CPU deadloop")
	a.Event(EventDone)
}

// done dumps what the iteration recorded and releases the guest with the
// shortfall penalty. It does not return.
func (a *Agent) done(s *state.AgentState) {
	if err := a.dump(s); err != nil {
		a.log.WithError(err).Warn("dumping iteration data failed")
	}
	penalty := uint64(s.Stream.Shortfall) * uint64(a.cfg.ElementSize)
	a.log.WithField("shortfall", s.Stream.Shortfall).Debugf("release with penalty %d", penalty)
	a.terminal(hypercall.Release, penalty)
}

func (a *Agent) dump(s *state.AgentState) error {
	switch {
	case s.Flags.DumpObserved:
		return a.dumpFile(ObservedPayloadFile, s.ObservedBuffer, uint64(s.Mirror.Position))
	case s.Flags.DumpCallers:
		return a.dumpFile(CallersFile, s.ObservedBuffer, uint64(s.Mirror.Position))
	case s.Flags.DumpStats:
		report, err := s.Stats.Report(&s.Stream)
		if err != nil {
			return errors.Wrap(err, "render stats")
		}
		buf, err := a.cfg.Alloc.AllocatePages(memory.Pages(uint64(len(report))))
		if err != nil {
			return errors.Wrap(err, "allocate stats buffer")
		}
		if err := a.cfg.Mem.Write(buf, report); err != nil {
			return err
		}
		return a.dumpFile(StatsFile, buf, uint64(len(report)))
	}
	return nil
}

func (a *Agent) dumpFile(name string, data, n uint64) error {
	namePtr := a.scratch + nameOffset
	if err := memory.WriteCString(a.cfg.Mem, namePtr, name, nameSize); err != nil {
		return err
	}
	d := wire.DumpFile{FileNamePtr: namePtr, DataPtr: data, Bytes: n}
	desc := a.scratch + descOffset
	if err := wire.Store(a.cfg.Mem, desc, &d); err != nil {
		return err
	}
	a.cfg.Transport.Call(hypercall.DumpFile, desc)
	return nil
}

// ShowState prints the agent state to the host log.
func (a *Agent) ShowState() {
	a.do("show state", func(s *state.AgentState) error {
		hypercall.Message(a.cfg.Transport, a.cfg.Mem, a.scratch, hypercall.Printf, "kAFL agent state: "+s.Summary()+"\n")
		return nil
	})
}

// SubmitTraceRange hands the host an instruction pointer range to trace.
func (a *Agent) SubmitTraceRange(start, end, index uint64) {
	r := wire.TraceRange{Start: start, End: end, Index: index}
	desc := a.scratch + descOffset
	if err := wire.Store(a.cfg.Mem, desc, &r); err != nil {
		a.fatal(errors.Wrap(err, "submit trace range"))
	}
	a.log.WithField("index", index).Infof("trace range 0x%x-0x%x", start, end)
	a.cfg.Transport.Call(hypercall.RangeSubmit, desc)
}
