// Package state defines the agent state that is persisted across firmware
// phases, and the stream and mirror logic operating on it.
package state

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"kafl.local/agent/wire"

	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"
)

const MarkerSize = 10

// Marker tags memory holding a genuinely written AgentState.
var Marker = [MarkerSize]byte{'K', 'A', 'F', 'L', 'S', 'T', 'A', 'T', 'E', 0}

// ExitPolicy decides what happens when the fuzz stream runs dry.
type ExitPolicy uint8

const (
	// ExitNever keeps running on the original values.
	ExitNever ExitPolicy = iota
	// ExitAtEOF ends the iteration at the first shortfall.
	ExitAtEOF
)

// IterationFlags are the dump modes requested for the current iteration.
// At most one is set.
type IterationFlags struct {
	DumpObserved bool
	DumpStats    bool
	DumpCallers  bool
}

// FlagsFrom validates payload header flags and converts them.
func FlagsFrom(f wire.PayloadFlags) (IterationFlags, error) {
	if err := f.Validate(); err != nil {
		return IterationFlags{}, err
	}
	return IterationFlags{
		DumpObserved: f.DumpObserved(),
		DumpStats:    f.DumpStats(),
		DumpCallers:  f.DumpCallers(),
	}, nil
}

// Any reports whether some dump mode is active.
func (f IterationFlags) Any() bool {
	return f.DumpObserved || f.DumpStats || f.DumpCallers
}

// AgentState is the single logical agent state. Each phase works on a local
// copy and reconciles it with the canonical copy around every operation.
type AgentState struct {
	Marker             [MarkerSize]byte
	Initialized        bool
	FuzzEnabled        bool
	ExitPolicy         ExitPolicy
	Flags              IterationFlags
	HostConfig         wire.HostConfig
	AgentConfig        wire.AgentConfig
	PayloadBuffer      uint64
	PayloadBufferSize  uint64
	ObservedBuffer     uint64
	ObservedBufferSize uint64
	Stream             Stream
	Mirror             Mirror
	Stats              Stats
	SelfReference      uint64
}

const AgentStateSize = MarkerSize + 6 + wire.HostConfigSize + wire.AgentConfigSize + 32 +
	StreamSize + MirrorSize + StatsSize + 8

var errInvalidBool = errors.New("invalid boolean encoding")

// Stamp marks s as written at location.
func (s *AgentState) Stamp(location uint64) {
	s.Marker = Marker
	s.SelfReference = location
}

// Trusted reports whether s carries the marker and was written at location.
// Zero-filled memory and state copied from elsewhere are both rejected.
func (s *AgentState) Trusted(location uint64) bool {
	return s.Marker == Marker && s.SelfReference == location
}

func (s *AgentState) SizeSSZ() int {
	return AgentStateSize
}

func (s *AgentState) MarshalSSZ() ([]byte, error) {
	return s.MarshalSSZTo(make([]byte, 0, AgentStateSize))
}

func (s *AgentState) MarshalSSZTo(dst []byte) ([]byte, error) {
	var err error
	dst = append(dst, s.Marker[:]...)
	dst = ssz.MarshalBool(dst, s.Initialized)
	dst = ssz.MarshalBool(dst, s.FuzzEnabled)
	dst = ssz.MarshalUint8(dst, uint8(s.ExitPolicy))
	dst = ssz.MarshalBool(dst, s.Flags.DumpObserved)
	dst = ssz.MarshalBool(dst, s.Flags.DumpStats)
	dst = ssz.MarshalBool(dst, s.Flags.DumpCallers)
	if dst, err = s.HostConfig.MarshalSSZTo(dst); err != nil {
		return dst, err
	}
	if dst, err = s.AgentConfig.MarshalSSZTo(dst); err != nil {
		return dst, err
	}
	dst = ssz.MarshalUint64(dst, s.PayloadBuffer)
	dst = ssz.MarshalUint64(dst, s.PayloadBufferSize)
	dst = ssz.MarshalUint64(dst, s.ObservedBuffer)
	dst = ssz.MarshalUint64(dst, s.ObservedBufferSize)
	dst = s.Stream.marshalTo(dst)
	dst = s.Mirror.marshalTo(dst)
	dst = s.Stats.marshalTo(dst)
	dst = ssz.MarshalUint64(dst, s.SelfReference)
	return dst, nil
}

func unmarshalBool(b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.Wrapf(errInvalidBool, "0x%02x", b)
}

func (s *AgentState) UnmarshalSSZ(buf []byte) error {
	if len(buf) != AgentStateSize {
		return ssz.ErrSize
	}
	var out AgentState
	copy(out.Marker[:], buf[:MarkerSize])
	buf = buf[MarkerSize:]

	var err error
	if out.Initialized, err = unmarshalBool(buf[0]); err != nil {
		return err
	}
	if out.FuzzEnabled, err = unmarshalBool(buf[1]); err != nil {
		return err
	}
	out.ExitPolicy = ExitPolicy(buf[2])
	if out.Flags.DumpObserved, err = unmarshalBool(buf[3]); err != nil {
		return err
	}
	if out.Flags.DumpStats, err = unmarshalBool(buf[4]); err != nil {
		return err
	}
	if out.Flags.DumpCallers, err = unmarshalBool(buf[5]); err != nil {
		return err
	}
	buf = buf[6:]

	if err = out.HostConfig.UnmarshalSSZ(buf[:wire.HostConfigSize]); err != nil {
		return err
	}
	buf = buf[wire.HostConfigSize:]
	if err = out.AgentConfig.UnmarshalSSZ(buf[:wire.AgentConfigSize]); err != nil {
		return err
	}
	buf = buf[wire.AgentConfigSize:]

	out.PayloadBuffer = binary.LittleEndian.Uint64(buf[0:8])
	out.PayloadBufferSize = binary.LittleEndian.Uint64(buf[8:16])
	out.ObservedBuffer = binary.LittleEndian.Uint64(buf[16:24])
	out.ObservedBufferSize = binary.LittleEndian.Uint64(buf[24:32])
	buf = buf[32:]

	out.Stream.unmarshal(buf[:StreamSize])
	buf = buf[StreamSize:]
	out.Mirror.unmarshal(buf[:MirrorSize])
	buf = buf[MirrorSize:]
	out.Stats.unmarshal(buf[:StatsSize])
	buf = buf[StatsSize:]
	out.SelfReference = binary.LittleEndian.Uint64(buf[0:8])

	*s = out
	return nil
}

func (s *AgentState) HashTreeRoot() ([32]byte, error) {
	return ssz.HashWithDefaultHasher(s)
}

func (s *AgentState) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()
	hh.PutBytes(s.Marker[:])
	hh.PutBool(s.Initialized)
	hh.PutBool(s.FuzzEnabled)
	hh.PutUint8(uint8(s.ExitPolicy))
	hh.PutBool(s.Flags.DumpObserved)
	hh.PutBool(s.Flags.DumpStats)
	hh.PutBool(s.Flags.DumpCallers)
	if err := s.HostConfig.HashTreeRootWith(hh); err != nil {
		return err
	}
	if err := s.AgentConfig.HashTreeRootWith(hh); err != nil {
		return err
	}
	hh.PutUint64(s.PayloadBuffer)
	hh.PutUint64(s.PayloadBufferSize)
	hh.PutUint64(s.ObservedBuffer)
	hh.PutUint64(s.ObservedBufferSize)
	if err := s.Stream.HashTreeRootWith(hh); err != nil {
		return err
	}
	if err := s.Mirror.HashTreeRootWith(hh); err != nil {
		return err
	}
	if err := s.Stats.HashTreeRootWith(hh); err != nil {
		return err
	}
	hh.PutUint64(s.SelfReference)
	hh.Merkleize(indx)
	return nil
}

func (s *AgentState) GetTree() (*ssz.Node, error) {
	return ssz.ProofTree(s)
}

// Summary is a one-line description for host logs.
func (s *AgentState) Summary() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "initialized=%t fuzz_enabled=%t exit_policy=%d", s.Initialized, s.FuzzEnabled, s.ExitPolicy)
	fmt.Fprintf(&b, " flags={observed:%t stats:%t callers:%t}", s.Flags.DumpObserved, s.Flags.DumpStats, s.Flags.DumpCallers)
	fmt.Fprintf(&b, " payload=0x%x/%d observed=0x%x/%d", s.PayloadBuffer, s.PayloadBufferSize, s.ObservedBuffer, s.ObservedBufferSize)
	fmt.Fprintf(&b, " stream={len:%d pos:%d miss:%d} mirror={cap:%d pos:%d}",
		s.Stream.Length, s.Stream.Cursor, s.Stream.Shortfall, s.Mirror.Capacity, s.Mirror.Position)
	fmt.Fprintf(&b, " worker=%d self=0x%x", s.HostConfig.WorkerID, s.SelfReference)
	return b.String()
}
