package state

import (
	"encoding/binary"
	"math"

	"kafl.local/agent/memory"

	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"
)

// Stream is a cursor over the fuzz input of the current iteration. Buffer
// is the guest address of the first data byte.
//
// Invariant: Cursor <= Length. Shortfall counts bytes requested past Length.
type Stream struct {
	Buffer    uint64
	Length    uint32
	Cursor    uint32
	Shortfall uint32
}

const StreamSize = 20

// Reset points the stream at a freshly delivered payload.
func (s *Stream) Reset(buffer uint64, length uint32) {
	*s = Stream{Buffer: buffer, Length: length}
}

// Remaining returns the number of unread input bytes.
func (s *Stream) Remaining() uint32 {
	return s.Length - s.Cursor
}

// Consume fills out from the stream. A request is served entirely or not
// at all: if fewer than len(out) bytes remain, nothing is copied, the
// cursor stays put, the request size is added to Shortfall and 0 is
// returned. Shortfall saturates at math.MaxUint32.
func (s *Stream) Consume(mem memory.Space, out []byte) (int, error) {
	want := uint64(len(out))
	if uint64(s.Cursor)+want > uint64(s.Length) {
		if want > math.MaxUint32-uint64(s.Shortfall) {
			s.Shortfall = math.MaxUint32
		} else {
			s.Shortfall += uint32(want)
		}
		return 0, nil
	}
	if err := mem.Read(s.Buffer+uint64(s.Cursor), out); err != nil {
		return 0, errors.Wrap(err, "read fuzz stream")
	}
	s.Cursor += uint32(want)
	return len(out), nil
}

func (s *Stream) marshalTo(dst []byte) []byte {
	dst = ssz.MarshalUint64(dst, s.Buffer)
	dst = ssz.MarshalUint32(dst, s.Length)
	dst = ssz.MarshalUint32(dst, s.Cursor)
	dst = ssz.MarshalUint32(dst, s.Shortfall)
	return dst
}

func (s *Stream) unmarshal(buf []byte) {
	s.Buffer = binary.LittleEndian.Uint64(buf[0:8])
	s.Length = binary.LittleEndian.Uint32(buf[8:12])
	s.Cursor = binary.LittleEndian.Uint32(buf[12:16])
	s.Shortfall = binary.LittleEndian.Uint32(buf[16:20])
}

func (s *Stream) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()
	hh.PutUint64(s.Buffer)
	hh.PutUint32(s.Length)
	hh.PutUint32(s.Cursor)
	hh.PutUint32(s.Shortfall)
	hh.Merkleize(indx)
	return nil
}
