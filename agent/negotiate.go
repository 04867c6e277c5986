package agent

import (
	"bytes"

	"kafl.local/agent/hypercall"
	"kafl.local/agent/memory"
	"kafl.local/agent/state"
	"kafl.local/agent/wire"

	"github.com/pkg/errors"
)

// negotiate runs the configuration exchange and arms the first iteration.
// On error nothing past the failing step has been sent to the host.
func (a *Agent) negotiate(s *state.AgentState) error {
	t := a.cfg.Transport
	mem := a.cfg.Mem
	desc := a.scratch + descOffset

	t.Call(hypercall.Acquire, 0)
	t.Call(hypercall.Release, 0)

	var host wire.HostConfig
	t.Call(hypercall.GetHostConfig, desc)
	if err := wire.Load(mem, desc, &host); err != nil {
		return protocolError("get host config", err)
	}
	if err := host.Validate(); err != nil {
		return protocolError("get host config", err)
	}
	a.log.WithField("worker", host.WorkerID).Debugf("host config: bitmap=%d payload=%d", host.BitmapSize, host.PayloadBufferSize)

	size := uint64(host.PayloadBufferSize)
	if size < wire.PayloadHeaderSize {
		return protocolError("size payload buffer", errors.Errorf("payload buffer of %d bytes cannot hold a header", size))
	}
	payload, err := a.cfg.Alloc.AllocatePages(memory.Pages(size))
	if err != nil {
		return protocolError("allocate payload buffer", err)
	}
	observed, err := a.cfg.Alloc.AllocatePages(memory.Pages(2 * size))
	if err != nil {
		return protocolError("allocate observed buffer", err)
	}
	// Touch every page so the host can map the buffer.
	if err := mem.Write(payload, bytes.Repeat([]byte{0xff}, int(size))); err != nil {
		return protocolError("prepare payload buffer", err)
	}

	t.Call(hypercall.GetPayload, payload)

	cfg := a.agentConfig(&host)
	if err := wire.Store(mem, desc, &cfg); err != nil {
		return protocolError("set agent config", err)
	}
	t.Call(hypercall.SetAgentConfig, desc)

	t.Call(hypercall.NextPayload, 0)
	var hdr wire.PayloadHeader
	if err := wire.Load(mem, payload, &hdr); err != nil {
		return protocolError("next payload", err)
	}
	flags, err := state.FlagsFrom(hdr.Flags)
	if err != nil {
		return protocolError("next payload", err)
	}
	// The host never writes past PayloadBufferSize, header included.
	length := hdr.Size
	if limit := uint32(size - wire.PayloadDataOffset); length > limit {
		a.log.WithField("size", hdr.Size).Warnf("payload exceeds buffer, clamping to %d", limit)
		length = limit
	}

	s.HostConfig = host
	s.AgentConfig = cfg
	s.PayloadBuffer = payload
	s.PayloadBufferSize = size
	s.ObservedBuffer = observed
	s.ObservedBufferSize = 2 * size
	s.Flags = flags
	s.ExitPolicy = state.ExitNever
	if a.cfg.ExitAtEOF {
		s.ExitPolicy = state.ExitAtEOF
	}
	s.Stream.Reset(payload+wire.PayloadDataOffset, length)
	s.Mirror = state.Mirror{}
	if flags.Any() {
		s.Mirror.Reset(observed, uint32(s.ObservedBufferSize))
	}
	s.Stats = state.Stats{}
	s.Initialized = true

	a.log.WithField("length", length).Info("agent initialized, starting fuzz loop")
	t.Call(hypercall.Acquire, 0)
	return nil
}

func (a *Agent) agentConfig(host *wire.HostConfig) wire.AgentConfig {
	cfg := wire.AgentConfig{
		AgentMagic:         wire.AgentMagic,
		AgentVersion:       wire.AgentVersion,
		CoverageBitmapSize: host.BitmapSize,
		InputBufferSize:    host.PayloadBufferSize,
	}
	if !a.cfg.HostTracing {
		cfg.AgentTracing = 1
	}
	if a.cfg.NonReloadMode {
		cfg.AgentNonReloadMode = 1
	}
	if a.cfg.TimeoutDetection {
		cfg.AgentTimeoutDetection = 1
	}
	if a.cfg.DumpPayloads {
		cfg.DumpPayloads = 1
	}
	return cfg
}
