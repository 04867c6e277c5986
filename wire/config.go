// Package wire holds the structures exchanged with the fuzzing host. Every
// structure is a packed little-endian C layout, which is what a fixed-size
// SSZ container serializes to, so they are expressed as fastssz containers.
package wire

import (
	"encoding/binary"

	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"
)

const (
	HostMagic    uint32 = 0x4878794e // "NyxH"
	HostVersion  uint32 = 2
	AgentMagic   uint32 = 0x4178794e // "NyxA"
	AgentVersion uint32 = 1
)

// ErrVersionMismatch is returned when the host speaks another protocol.
var ErrVersionMismatch = errors.New("host magic/version mismatch")

// HostConfig is filled in by the host on GET_HOST_CONFIG.
type HostConfig struct {
	HostMagic         uint32
	HostVersion       uint32
	BitmapSize        uint32
	IjonBitmapSize    uint32
	PayloadBufferSize uint32
	WorkerID          uint32
}

const HostConfigSize = 24

// Validate checks magic and version against the compiled-in expectations.
func (c *HostConfig) Validate() error {
	if c.HostMagic != HostMagic || c.HostVersion != HostVersion {
		return errors.Wrapf(ErrVersionMismatch, "got magic=0x%x version=%d, want magic=0x%x version=%d",
			c.HostMagic, c.HostVersion, HostMagic, HostVersion)
	}
	return nil
}

func (c *HostConfig) SizeSSZ() int {
	return HostConfigSize
}

func (c *HostConfig) MarshalSSZ() ([]byte, error) {
	return c.MarshalSSZTo(make([]byte, 0, HostConfigSize))
}

func (c *HostConfig) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint32(dst, c.HostMagic)
	dst = ssz.MarshalUint32(dst, c.HostVersion)
	dst = ssz.MarshalUint32(dst, c.BitmapSize)
	dst = ssz.MarshalUint32(dst, c.IjonBitmapSize)
	dst = ssz.MarshalUint32(dst, c.PayloadBufferSize)
	dst = ssz.MarshalUint32(dst, c.WorkerID)
	return dst, nil
}

func (c *HostConfig) UnmarshalSSZ(buf []byte) error {
	if len(buf) != HostConfigSize {
		return ssz.ErrSize
	}
	c.HostMagic = binary.LittleEndian.Uint32(buf[0:4])
	c.HostVersion = binary.LittleEndian.Uint32(buf[4:8])
	c.BitmapSize = binary.LittleEndian.Uint32(buf[8:12])
	c.IjonBitmapSize = binary.LittleEndian.Uint32(buf[12:16])
	c.PayloadBufferSize = binary.LittleEndian.Uint32(buf[16:20])
	c.WorkerID = binary.LittleEndian.Uint32(buf[20:24])
	return nil
}

func (c *HostConfig) HashTreeRoot() ([32]byte, error) {
	return ssz.HashWithDefaultHasher(c)
}

func (c *HostConfig) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()
	hh.PutUint32(c.HostMagic)
	hh.PutUint32(c.HostVersion)
	hh.PutUint32(c.BitmapSize)
	hh.PutUint32(c.IjonBitmapSize)
	hh.PutUint32(c.PayloadBufferSize)
	hh.PutUint32(c.WorkerID)
	hh.Merkleize(indx)
	return nil
}

func (c *HostConfig) GetTree() (*ssz.Node, error) {
	return ssz.ProofTree(c)
}

// AgentConfig is sent once to the host with SET_AGENT_CONFIG.
type AgentConfig struct {
	AgentMagic            uint32
	AgentVersion          uint32
	AgentTimeoutDetection uint8
	AgentTracing          uint8 // 1: the agent traces itself, 0: the host traces
	AgentIjonTracing      uint8
	AgentNonReloadMode    uint8 // 1: persistent mode, no snapshot reload per iteration
	TraceBufferVaddr      uint64
	IjonTraceBufferVaddr  uint64
	CoverageBitmapSize    uint32
	InputBufferSize       uint32
	DumpPayloads          uint8
}

const AgentConfigSize = 37

func (c *AgentConfig) SizeSSZ() int {
	return AgentConfigSize
}

func (c *AgentConfig) MarshalSSZ() ([]byte, error) {
	return c.MarshalSSZTo(make([]byte, 0, AgentConfigSize))
}

func (c *AgentConfig) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint32(dst, c.AgentMagic)
	dst = ssz.MarshalUint32(dst, c.AgentVersion)
	dst = ssz.MarshalUint8(dst, c.AgentTimeoutDetection)
	dst = ssz.MarshalUint8(dst, c.AgentTracing)
	dst = ssz.MarshalUint8(dst, c.AgentIjonTracing)
	dst = ssz.MarshalUint8(dst, c.AgentNonReloadMode)
	dst = ssz.MarshalUint64(dst, c.TraceBufferVaddr)
	dst = ssz.MarshalUint64(dst, c.IjonTraceBufferVaddr)
	dst = ssz.MarshalUint32(dst, c.CoverageBitmapSize)
	dst = ssz.MarshalUint32(dst, c.InputBufferSize)
	dst = ssz.MarshalUint8(dst, c.DumpPayloads)
	return dst, nil
}

func (c *AgentConfig) UnmarshalSSZ(buf []byte) error {
	if len(buf) != AgentConfigSize {
		return ssz.ErrSize
	}
	c.AgentMagic = binary.LittleEndian.Uint32(buf[0:4])
	c.AgentVersion = binary.LittleEndian.Uint32(buf[4:8])
	c.AgentTimeoutDetection = buf[8]
	c.AgentTracing = buf[9]
	c.AgentIjonTracing = buf[10]
	c.AgentNonReloadMode = buf[11]
	c.TraceBufferVaddr = binary.LittleEndian.Uint64(buf[12:20])
	c.IjonTraceBufferVaddr = binary.LittleEndian.Uint64(buf[20:28])
	c.CoverageBitmapSize = binary.LittleEndian.Uint32(buf[28:32])
	c.InputBufferSize = binary.LittleEndian.Uint32(buf[32:36])
	c.DumpPayloads = buf[36]
	return nil
}

func (c *AgentConfig) HashTreeRoot() ([32]byte, error) {
	return ssz.HashWithDefaultHasher(c)
}

func (c *AgentConfig) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()
	hh.PutUint32(c.AgentMagic)
	hh.PutUint32(c.AgentVersion)
	hh.PutUint8(c.AgentTimeoutDetection)
	hh.PutUint8(c.AgentTracing)
	hh.PutUint8(c.AgentIjonTracing)
	hh.PutUint8(c.AgentNonReloadMode)
	hh.PutUint64(c.TraceBufferVaddr)
	hh.PutUint64(c.IjonTraceBufferVaddr)
	hh.PutUint32(c.CoverageBitmapSize)
	hh.PutUint32(c.InputBufferSize)
	hh.PutUint8(c.DumpPayloads)
	hh.Merkleize(indx)
	return nil
}

func (c *AgentConfig) GetTree() (*ssz.Node, error) {
	return ssz.ProofTree(c)
}
