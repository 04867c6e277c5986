package wire

import (
	"encoding/binary"

	ssz "github.com/ferranbt/fastssz"
)

// DumpFile describes a guest buffer the host should write to a file in its
// workdir (DUMP_FILE).
type DumpFile struct {
	FileNamePtr uint64
	DataPtr     uint64
	Bytes       uint64
	Append      uint8
}

const DumpFileSize = 25

func (d *DumpFile) SizeSSZ() int {
	return DumpFileSize
}

func (d *DumpFile) MarshalSSZ() ([]byte, error) {
	return d.MarshalSSZTo(make([]byte, 0, DumpFileSize))
}

func (d *DumpFile) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint64(dst, d.FileNamePtr)
	dst = ssz.MarshalUint64(dst, d.DataPtr)
	dst = ssz.MarshalUint64(dst, d.Bytes)
	dst = ssz.MarshalUint8(dst, d.Append)
	return dst, nil
}

func (d *DumpFile) UnmarshalSSZ(buf []byte) error {
	if len(buf) != DumpFileSize {
		return ssz.ErrSize
	}
	d.FileNamePtr = binary.LittleEndian.Uint64(buf[0:8])
	d.DataPtr = binary.LittleEndian.Uint64(buf[8:16])
	d.Bytes = binary.LittleEndian.Uint64(buf[16:24])
	d.Append = buf[24]
	return nil
}

// TraceRange is the triple sent with RANGE_SUBMIT to configure an
// instruction pointer filter range on the host tracer.
type TraceRange struct {
	Start uint64
	End   uint64
	Index uint64
}

const TraceRangeSize = 24

func (r *TraceRange) SizeSSZ() int {
	return TraceRangeSize
}

func (r *TraceRange) MarshalSSZ() ([]byte, error) {
	return r.MarshalSSZTo(make([]byte, 0, TraceRangeSize))
}

func (r *TraceRange) MarshalSSZTo(dst []byte) ([]byte, error) {
	dst = ssz.MarshalUint64(dst, r.Start)
	dst = ssz.MarshalUint64(dst, r.End)
	dst = ssz.MarshalUint64(dst, r.Index)
	return dst, nil
}

func (r *TraceRange) UnmarshalSSZ(buf []byte) error {
	if len(buf) != TraceRangeSize {
		return ssz.ErrSize
	}
	r.Start = binary.LittleEndian.Uint64(buf[0:8])
	r.End = binary.LittleEndian.Uint64(buf[8:16])
	r.Index = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}
