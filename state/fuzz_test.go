package state

import (
	"bytes"
	"testing"

	"kafl.local/agent/memory"
	"kafl.local/agent/wire"

	gofuzzheaders "github.com/AdaLogics/go-fuzz-headers"
)

// FuzzConsume checks that any sequence of requests either returns the next
// slice of the payload or nothing, and that the cursor never passes the end.
func FuzzConsume(f *testing.F) {
	f.Add([]byte("\x40\x00\x14\x14\x14\x08"))
	f.Add([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	f.Fuzz(func(t *testing.T, data []byte) {
		c := gofuzzheaders.NewConsumer(data)
		input, err := c.GetBytes()
		if err != nil {
			return
		}
		mem := memory.NewFlat(1<<20, 1<<19)
		if err := mem.Write(bufAddr, input); err != nil {
			return
		}
		s := &Stream{}
		s.Reset(bufAddr, uint32(len(input)))

		var consumed []byte
		var shortfall uint32
		for i := 0; i < 32; i++ {
			n, err := c.GetUint16()
			if err != nil {
				break
			}
			out := make([]byte, int(n%64))
			before := s.Cursor
			got, err := s.Consume(mem, out)
			if err != nil {
				t.Fatalf("Consume failed: %v", err)
			}
			switch got {
			case len(out):
				consumed = append(consumed, out...)
			case 0:
				if s.Cursor != before {
					t.Fatalf("cursor moved on shortfall: %d -> %d", before, s.Cursor)
				}
				shortfall += uint32(len(out))
			default:
				t.Fatalf("partial read of %d/%d bytes", got, len(out))
			}
			if s.Cursor > s.Length {
				t.Fatalf("cursor %d past length %d", s.Cursor, s.Length)
			}
		}
		if !bytes.Equal(consumed, input[:s.Cursor]) {
			t.Fatalf("consumed bytes do not match payload prefix")
		}
		if s.Shortfall != shortfall {
			t.Fatalf("shortfall %d, want %d", s.Shortfall, shortfall)
		}
	})
}

// FuzzAgentStateCodec decodes arbitrary state images and requires that
// every image accepted by the decoder re-encodes to itself.
func FuzzAgentStateCodec(f *testing.F) {
	s := sampleState()
	seed, _ := s.MarshalSSZ()
	f.Add(seed)
	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != AgentStateSize {
			return
		}
		var st AgentState
		if st.UnmarshalSSZ(data) != nil {
			return
		}
		if err := wire.RoundTrip[AgentState](data); err != nil {
			t.Fatalf("roundtrip failed: %v", err)
		}
	})
}
