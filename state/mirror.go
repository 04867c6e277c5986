package state

import (
	"encoding/binary"

	"kafl.local/agent/memory"

	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"
)

// ErrMirrorOverflow is returned when a record does not fit the observed buffer.
var ErrMirrorOverflow = errors.New("observed buffer overflow")

// Mirror appends what the harness actually consumed to the observed buffer
// in guest memory.
type Mirror struct {
	Buffer   uint64
	Capacity uint32
	Position uint32
}

const (
	MirrorSize = 16
	// CallerRecordSize is the size of one dump-callers entry: caller address
	// followed by the location kind.
	CallerRecordSize = 9
)

// Reset activates the mirror over a buffer of capacity bytes.
func (m *Mirror) Reset(buffer uint64, capacity uint32) {
	*m = Mirror{Buffer: buffer, Capacity: capacity}
}

func (m *Mirror) fits(n uint64) error {
	if uint64(m.Position)+n > uint64(m.Capacity) {
		return errors.Wrapf(ErrMirrorOverflow, "position %d + %d > capacity %d", m.Position, n, m.Capacity)
	}
	return nil
}

// Record appends fuzzed followed by originalTail. Either both are recorded
// or, on overflow, nothing is.
func (m *Mirror) Record(mem memory.Space, fuzzed, originalTail []byte) error {
	n := uint64(len(fuzzed)) + uint64(len(originalTail))
	if err := m.fits(n); err != nil {
		return err
	}
	at := m.Buffer + uint64(m.Position)
	if err := mem.Write(at, fuzzed); err != nil {
		return errors.Wrap(err, "record fuzzed bytes")
	}
	if err := mem.Write(at+uint64(len(fuzzed)), originalTail); err != nil {
		return errors.Wrap(err, "record original bytes")
	}
	m.Position += uint32(n)
	return nil
}

// RecordCaller appends one caller record.
func (m *Mirror) RecordCaller(mem memory.Space, caller uint64, loc Location) error {
	if err := m.fits(CallerRecordSize); err != nil {
		return err
	}
	var rec [CallerRecordSize]byte
	binary.LittleEndian.PutUint64(rec[:8], caller)
	rec[8] = byte(loc)
	if err := mem.Write(m.Buffer+uint64(m.Position), rec[:]); err != nil {
		return errors.Wrap(err, "record caller")
	}
	m.Position += CallerRecordSize
	return nil
}

// Recorded returns a copy of everything recorded so far.
func (m *Mirror) Recorded(mem memory.Space) ([]byte, error) {
	buf := make([]byte, m.Position)
	if err := mem.Read(m.Buffer, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (m *Mirror) marshalTo(dst []byte) []byte {
	dst = ssz.MarshalUint64(dst, m.Buffer)
	dst = ssz.MarshalUint32(dst, m.Capacity)
	dst = ssz.MarshalUint32(dst, m.Position)
	return dst
}

func (m *Mirror) unmarshal(buf []byte) {
	m.Buffer = binary.LittleEndian.Uint64(buf[0:8])
	m.Capacity = binary.LittleEndian.Uint32(buf[8:12])
	m.Position = binary.LittleEndian.Uint32(buf[12:16])
}

func (m *Mirror) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()
	hh.PutUint64(m.Buffer)
	hh.PutUint32(m.Capacity)
	hh.PutUint32(m.Position)
	hh.Merkleize(indx)
	return nil
}
