// Package emuhost emulates the fuzzing host side of the kAFL hypercall ABI
// in process. Guest memory is a memory.Flat that is restored to its boot
// snapshot before every iteration, and terminal hypercalls end the
// iteration by unwinding the guest.
package emuhost

import (
	"kafl.local/agent/hypercall"
	"kafl.local/agent/memory"
	"kafl.local/agent/wire"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Config describes the emulated machine and what the host advertises.
type Config struct {
	MemorySize        uint64
	HeapBase          uint64
	PayloadBufferSize uint32
	BitmapSize        uint32
	WorkerID          uint32
	// Magic and Version are reported in the host config.
	Magic   uint32
	Version uint32
	// Metrics defaults to counters on a private registry.
	Metrics *Metrics
}

// DefaultConfig returns a small machine speaking the current protocol.
func DefaultConfig() Config {
	return Config{
		MemorySize:        16 << 20,
		HeapBase:          1 << 20,
		PayloadBufferSize: 128 << 10,
		BitmapSize:        64 << 10,
		Magic:             wire.HostMagic,
		Version:           wire.HostVersion,
	}
}

// Payload is one queued fuzz input.
type Payload struct {
	Data  []byte
	Flags wire.PayloadFlags
}

// Host implements hypercall.Transport. It is used by one guest at a time.
type Host struct {
	cfg     Config
	metrics *Metrics
	mem     *memory.Flat
	boot    *memory.Snapshot

	queue       []Payload
	payloadAddr uint64
	served      bool
	handshake   bool
	window      bool
	calls       []Call
	abort       string

	agentConfig *wire.AgentConfig
	ranges      []wire.TraceRange
	files       map[string][]byte
	log         []string
}

// New creates a host and takes the boot snapshot of its empty memory.
func New(cfg Config) (*Host, error) {
	if cfg.MemorySize == 0 || cfg.HeapBase >= cfg.MemorySize {
		return nil, errors.Errorf("invalid memory layout: size=0x%x heap=0x%x", cfg.MemorySize, cfg.HeapBase)
	}
	m := cfg.Metrics
	if m == nil {
		var err error
		if m, err = NewMetrics(prometheus.NewRegistry()); err != nil {
			return nil, err
		}
	}
	h := &Host{
		cfg:     cfg,
		metrics: m,
		mem:     memory.NewFlat(cfg.MemorySize, cfg.HeapBase),
		files:   make(map[string][]byte),
	}
	h.boot = h.mem.Snapshot()
	return h, nil
}

// Mem is the guest memory, which doubles as the guest page allocator.
func (h *Host) Mem() *memory.Flat { return h.mem }

// Metrics returns the counters the host updates.
func (h *Host) Metrics() *Metrics { return h.metrics }

// Boot retakes the snapshot every iteration starts from.
func (h *Host) Boot() { h.boot = h.mem.Snapshot() }

// Queue appends a payload for a later NEXT_PAYLOAD.
func (h *Host) Queue(data []byte, flags wire.PayloadFlags) {
	h.queue = append(h.queue, Payload{Data: append([]byte(nil), data...), Flags: flags})
}

// Pending returns the number of queued payloads.
func (h *Host) Pending() int { return len(h.queue) }

// AgentConfig returns the config the guest submitted, if any.
func (h *Host) AgentConfig() (wire.AgentConfig, bool) {
	if h.agentConfig == nil {
		return wire.AgentConfig{}, false
	}
	return *h.agentConfig, true
}

// Ranges returns the trace ranges submitted so far.
func (h *Host) Ranges() []wire.TraceRange { return h.ranges }

// File returns a dumped file.
func (h *Host) File(name string) ([]byte, bool) {
	data, ok := h.files[name]
	return data, ok
}

// TakeFiles returns the files dumped since the last call and forgets them.
func (h *Host) TakeFiles() map[string][]byte {
	files := h.files
	h.files = make(map[string][]byte)
	return files
}

// Log returns the PRINTF lines received so far.
func (h *Host) Log() []string { return h.log }

// Iterate restores the boot snapshot and runs guest until it returns or
// issues a terminal hypercall.
func (h *Host) Iterate(guest func()) Outcome {
	h.mem.Restore(h.boot)
	h.payloadAddr = 0
	h.served = false
	h.handshake = false
	h.window = false
	h.calls = nil
	h.abort = ""

	term := hypercall.Run(guest)
	out := Outcome{Kind: kindOf(term), AbortMessage: h.abort, Calls: h.calls}
	if out.Kind == Released {
		out.Penalty = term.Arg
		h.metrics.Penalty.Add(float64(term.Arg))
	}
	h.metrics.Outcomes.WithLabelValues(out.Kind.String()).Inc()
	return out
}

// Call serves one hypercall.
func (h *Host) Call(op hypercall.Opcode, arg uint64) uint64 {
	h.calls = append(h.calls, Call{Op: op, Arg: arg})
	h.metrics.Hypercalls.WithLabelValues(op.String()).Inc()

	switch op {
	case hypercall.Acquire:
		if h.served {
			h.window = true
		} else {
			h.handshake = true
		}
	case hypercall.Release:
		// ACQUIRE+RELEASE before the first payload is the liveness handshake.
		if h.handshake && !h.window {
			h.handshake = false
			return 0
		}
		h.terminate(op, arg)
	case hypercall.GetHostConfig:
		hc := wire.HostConfig{
			HostMagic:         h.cfg.Magic,
			HostVersion:       h.cfg.Version,
			BitmapSize:        h.cfg.BitmapSize,
			PayloadBufferSize: h.cfg.PayloadBufferSize,
			WorkerID:          h.cfg.WorkerID,
		}
		h.check(wire.Store(h.mem, arg, &hc))
	case hypercall.SetAgentConfig:
		var ac wire.AgentConfig
		h.check(wire.Load(h.mem, arg, &ac))
		h.agentConfig = &ac
	case hypercall.GetPayload:
		h.payloadAddr = arg
	case hypercall.NextPayload:
		h.nextPayload()
	case hypercall.Printf:
		msg, err := memory.ReadCString(h.mem, arg, hypercall.MessageSize)
		h.check(err)
		h.log = append(h.log, msg)
	case hypercall.UserAbort:
		msg, err := memory.ReadCString(h.mem, arg, hypercall.MessageSize)
		h.check(err)
		h.abort = msg
		h.terminate(op, arg)
	case hypercall.Panic, hypercall.Kasan:
		h.terminate(op, arg)
	case hypercall.RangeSubmit:
		var r wire.TraceRange
		h.check(wire.Load(h.mem, arg, &r))
		h.ranges = append(h.ranges, r)
	case hypercall.DumpFile:
		h.check(h.dumpFile(arg))
	default:
		return ^uint64(0)
	}
	return 0
}

func (h *Host) nextPayload() {
	if h.payloadAddr == 0 {
		panic(errors.New("emuhost: NEXT_PAYLOAD before GET_PAYLOAD"))
	}
	if len(h.queue) == 0 {
		h.terminate(hypercall.NextPayload, 0)
	}
	p := h.queue[0]
	h.queue = h.queue[1:]
	image := wire.EncodePayload(p.Data, p.Flags)
	// The header keeps the real size; only the data is cut to the buffer.
	if limit := int(h.cfg.PayloadBufferSize); len(image) > limit {
		image = image[:limit]
	}
	h.check(h.mem.Write(h.payloadAddr, image))
	h.served = true
}

func (h *Host) dumpFile(arg uint64) error {
	var d wire.DumpFile
	if err := wire.Load(h.mem, arg, &d); err != nil {
		return err
	}
	name, err := memory.ReadCString(h.mem, d.FileNamePtr, hypercall.MessageSize)
	if err != nil {
		return err
	}
	data := make([]byte, d.Bytes)
	if err := h.mem.Read(d.DataPtr, data); err != nil {
		return err
	}
	if d.Append != 0 {
		data = append(h.files[name], data...)
	}
	h.files[name] = data
	return nil
}

func (h *Host) terminate(op hypercall.Opcode, arg uint64) {
	panic(&hypercall.Terminated{Op: op, Arg: arg})
}

// check treats a guest handing the host unusable pointers as a crash.
func (h *Host) check(err error) {
	if err != nil {
		h.abort = err.Error()
		h.terminate(hypercall.Panic, 0)
	}
}
