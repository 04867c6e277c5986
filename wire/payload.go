package wire

import (
	"encoding/binary"
	"math/bits"

	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"
)

// PayloadFlags are per-iteration requests from the host, carried in the
// payload header.
type PayloadFlags uint16

const (
	FlagDumpObserved PayloadFlags = 1 << iota
	FlagDumpStats
	FlagDumpCallers

	dumpModes = FlagDumpObserved | FlagDumpStats | FlagDumpCallers
)

// ErrFlagsConflict is returned when more than one dump mode is requested.
var ErrFlagsConflict = errors.New("dump modes are mutually exclusive")

// Validate rejects headers requesting more than one dump mode.
func (f PayloadFlags) Validate() error {
	if bits.OnesCount16(uint16(f&dumpModes)) > 1 {
		return errors.Wrapf(ErrFlagsConflict, "flags=0x%04x", uint16(f))
	}
	return nil
}

func (f PayloadFlags) DumpObserved() bool { return f&FlagDumpObserved != 0 }
func (f PayloadFlags) DumpStats() bool    { return f&FlagDumpStats != 0 }
func (f PayloadFlags) DumpCallers() bool  { return f&FlagDumpCallers != 0 }

// PayloadHeader prefixes the payload buffer; Size bytes of stream data
// follow immediately at PayloadDataOffset.
type PayloadHeader struct {
	Size  uint32
	Flags PayloadFlags
}

const (
	PayloadHeaderSize = 6
	PayloadDataOffset = PayloadHeaderSize
)

func (h *PayloadHeader) SizeSSZ() int {
	return PayloadHeaderSize
}

func (h *PayloadHeader) MarshalSSZ() ([]byte, error) {
	return h.MarshalSSZTo(make([]byte, 0, PayloadHeaderSize))
}

func (h *PayloadHeader) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint32(dst, h.Size)
	dst = ssz.MarshalUint16(dst, uint16(h.Flags))
	return dst, nil
}

func (h *PayloadHeader) UnmarshalSSZ(buf []byte) error {
	if len(buf) != PayloadHeaderSize {
		return ssz.ErrSize
	}
	h.Size = binary.LittleEndian.Uint32(buf[0:4])
	h.Flags = PayloadFlags(binary.LittleEndian.Uint16(buf[4:6]))
	return nil
}

// EncodePayload builds a complete payload buffer image: header plus data.
func EncodePayload(data []byte, flags PayloadFlags) []byte {
	h := PayloadHeader{Size: uint32(len(data)), Flags: flags}
	buf, _ := h.MarshalSSZTo(make([]byte, 0, PayloadHeaderSize+len(data)))
	return append(buf, data...)
}
