package state

import (
	"bytes"
	"math"
	"testing"

	"kafl.local/agent/memory"

	"github.com/pkg/errors"
)

const bufAddr = 0x4000

func newStream(t *testing.T, data []byte) (*memory.Flat, *Stream) {
	t.Helper()
	mem := memory.NewFlat(64*memory.PageSize, 32*memory.PageSize)
	if err := mem.Write(bufAddr, data); err != nil {
		t.Fatal(err)
	}
	s := &Stream{}
	s.Reset(bufAddr, uint32(len(data)))
	return mem, s
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 1)
	}
	return data
}

func TestConsumeExact(t *testing.T) {
	data := payload(64)
	mem, s := newStream(t, data)

	off := 0
	for _, n := range []int{1, 2, 4, 8, 16, 33} {
		out := make([]byte, n)
		got, err := s.Consume(mem, out)
		if err != nil {
			t.Fatalf("Consume failed: %v", err)
		}
		if got != n {
			t.Fatalf("Expected %d bytes, got %d", n, got)
		}
		if !bytes.Equal(out, data[off:off+n]) {
			t.Errorf("Expected %x, got %x", data[off:off+n], out)
		}
		off += n
		if int(s.Cursor) != off {
			t.Errorf("Expected cursor %d, got %d", off, s.Cursor)
		}
	}
	if s.Remaining() != 0 {
		t.Errorf("Expected stream to be drained, %d left", s.Remaining())
	}
	if s.Shortfall != 0 {
		t.Errorf("Expected no shortfall, got %d", s.Shortfall)
	}
}

func TestConsumeAllOrNothing(t *testing.T) {
	mem, s := newStream(t, payload(10))

	out := make([]byte, 8)
	if n, _ := s.Consume(mem, out); n != 8 {
		t.Fatalf("Expected first request to be served, got %d", n)
	}

	out = []byte{0xee, 0xee, 0xee, 0xee}
	n, err := s.Consume(mem, out)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Expected 0 for an oversized request, got %d", n)
	}
	if s.Cursor != 8 {
		t.Errorf("Expected cursor to stay at 8, got %d", s.Cursor)
	}
	if s.Shortfall != 4 {
		t.Errorf("Expected shortfall 4, got %d", s.Shortfall)
	}
	if !bytes.Equal(out, []byte{0xee, 0xee, 0xee, 0xee}) {
		t.Errorf("Expected output untouched, got %x", out)
	}

	// Shortfall accumulates; the remaining 2 bytes are still available.
	if n, _ := s.Consume(mem, make([]byte, 3)); n != 0 {
		t.Errorf("Expected 0, got %d", n)
	}
	if s.Shortfall != 7 {
		t.Errorf("Expected shortfall 7, got %d", s.Shortfall)
	}
	if n, _ := s.Consume(mem, make([]byte, 2)); n != 2 {
		t.Errorf("Expected the tail to be served, got %d", n)
	}
}

func TestConsumeScenario(t *testing.T) {
	mem, s := newStream(t, payload(64))
	for i := 0; i < 3; i++ {
		if n, _ := s.Consume(mem, make([]byte, 20)); n != 20 {
			t.Fatalf("request %d: expected 20, got %d", i, n)
		}
	}
	if n, _ := s.Consume(mem, make([]byte, 8)); n != 0 {
		t.Fatalf("Expected the 8 byte request to fall short, got %d", n)
	}
	if s.Cursor != 60 || s.Shortfall != 8 {
		t.Errorf("Expected cursor=60 shortfall=8, got cursor=%d shortfall=%d", s.Cursor, s.Shortfall)
	}
}

func TestConsumeShortfallSaturates(t *testing.T) {
	mem, s := newStream(t, payload(4))
	s.Shortfall = math.MaxUint32 - 2
	if n, _ := s.Consume(mem, make([]byte, 8)); n != 0 {
		t.Fatalf("Expected 0, got %d", n)
	}
	if s.Shortfall != math.MaxUint32 {
		t.Errorf("Expected shortfall to stick at the maximum, got %d", s.Shortfall)
	}
	s.Consume(mem, make([]byte, 8))
	if s.Shortfall != math.MaxUint32 {
		t.Errorf("Expected shortfall to stay saturated, got %d", s.Shortfall)
	}
	if n, _ := s.Consume(mem, make([]byte, 4)); n != 4 {
		t.Errorf("Expected the stream to keep serving, got %d", n)
	}
}

func TestConsumeReadError(t *testing.T) {
	mem := memory.NewFlat(memory.PageSize, 0)
	s := &Stream{}
	s.Reset(memory.PageSize-2, 16)
	_, err := s.Consume(mem, make([]byte, 4))
	if !errors.Is(err, memory.ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
	if s.Cursor != 0 {
		t.Errorf("Expected cursor to stay at 0, got %d", s.Cursor)
	}
}

func TestMirrorRecord(t *testing.T) {
	mem := memory.NewFlat(64*memory.PageSize, 32*memory.PageSize)
	m := &Mirror{}
	m.Reset(0x8000, 8)

	if err := m.Record(mem, []byte{1, 2}, []byte{3}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := m.Record(mem, nil, []byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if m.Position != 7 {
		t.Errorf("Expected position 7, got %d", m.Position)
	}
	if err := m.Record(mem, []byte{5}, []byte{6}); !errors.Is(err, ErrMirrorOverflow) {
		t.Errorf("Expected ErrMirrorOverflow, got %v", err)
	}
	if m.Position != 7 {
		t.Errorf("Expected position unchanged after overflow, got %d", m.Position)
	}
	got, err := m.Recorded(mem)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 9, 9, 9, 9}) {
		t.Errorf("Unexpected recording %x", got)
	}
}

func TestMirrorRecordCaller(t *testing.T) {
	mem := memory.NewFlat(64*memory.PageSize, 32*memory.PageSize)
	m := &Mirror{}
	m.Reset(0x8000, 2*CallerRecordSize)
	if err := m.RecordCaller(mem, 0xfffff000_12345678, LocMMIO); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordCaller(mem, 0x10, LocCPUID); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordCaller(mem, 0x20, LocCPUID); !errors.Is(err, ErrMirrorOverflow) {
		t.Errorf("Expected ErrMirrorOverflow, got %v", err)
	}
	got, _ := m.Recorded(mem)
	want := []byte{0x78, 0x56, 0x34, 0x12, 0x00, 0xf0, 0xff, 0xff, byte(LocMMIO),
		0x10, 0, 0, 0, 0, 0, 0, 0, byte(LocCPUID)}
	if !bytes.Equal(got, want) {
		t.Errorf("Expected %x, got %x", want, got)
	}
}
