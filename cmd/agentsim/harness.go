package main

import (
	"kafl.local/agent/agent"
	"kafl.local/agent/handoff"
	"kafl.local/agent/internal/emuhost"
	"kafl.local/agent/state"
)

// stateAddr is where the early phase keeps the agent state when the store
// is plain memory. It sits below the page allocator's heap.
const stateAddr = 0x8000

// Call sites of the emulated firmware, reported in dump-callers mode.
const (
	siteCPUID    = 0xfffff000
	siteAPICBase = 0xfffff040
	sitePCIID    = 0x7e000100
	siteVirtqNum = 0x7e000200
)

// harness models firmware boot in two phases that each link their own
// agent: an early phase probing the CPU and a driver phase enumerating
// virtio devices on the PCI bus.
type harness struct {
	host *emuhost.Host
	opts options
	err  error
}

func (h *harness) store() *handoff.Store {
	if h.opts.Store == "variable" {
		return handoff.New(handoff.NewVariableBackend(handoff.NewMapVariables()))
	}
	return handoff.New(&handoff.MemoryBackend{Mem: h.host.Mem(), Addr: stateAddr})
}

func (h *harness) agent(store *handoff.Store) *agent.Agent {
	mem := h.host.Mem()
	cfg := agent.DefaultConfig(store, h.host, mem, mem)
	cfg.ExitAtEOF = h.opts.ExitAtEOF
	cfg.ElementSize = h.opts.ElementSize
	a, err := agent.New(cfg)
	if err != nil {
		h.err = err
		return nil
	}
	return a
}

// run is the guest of one iteration.
func (h *harness) run() {
	store := h.store()
	early := h.agent(store)
	if early == nil {
		return
	}
	early.Event(agent.EventStart)
	if h.opts.TraceRange {
		early.SubmitTraceRange(0x7e000000, 0x7f000000, 0)
	}
	probeCPU(early)

	dxe := h.agent(store)
	if dxe == nil {
		return
	}
	probeBus(dxe)
	if h.opts.ShowState {
		dxe.ShowState()
	}
	dxe.Done()
}

func probeCPU(a *agent.Agent) {
	sig := a.FuzzUint32(0x000306a9, siteCPUID, state.LocCPUID)
	if sig>>8&0xf == 0 {
		// Family 0 is not a real CPU; firmware halts.
		a.Event(agent.EventHalt)
	}
	base := a.FuzzUint64(0xfee00900, siteAPICBase, state.LocMSR)
	if base&(1<<11) == 0 {
		a.Event(agent.EventPause)
		a.Event(agent.EventResume)
	}
}

func probeBus(a *agent.Agent) {
	for slot := uint64(0); slot < 4; slot++ {
		vendor := a.FuzzUint16(0xffff, sitePCIID+slot, state.LocPCIConfig)
		if vendor != 0x1af4 {
			continue
		}
		num := a.FuzzUint16(256, siteVirtqNum+slot, state.LocVirtIO)
		switch {
		case num == 0:
			// The ring size is a divisor when laying out the queue.
			a.Event(agent.EventPanic)
		case num > 1024:
			// The descriptor table overruns its allocation.
			a.Event(agent.EventKasan)
		}
	}
}
