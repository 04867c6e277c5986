package fuzzer

import "math/rand"

type MutationType int

const (
	// MutationValue overwrites bytes in place.
	MutationValue MutationType = iota
	// MutationGap inserts bytes.
	MutationGap
	// MutationTruncate cuts the input short.
	MutationTruncate
)

type Mutation struct {
	Type   MutationType
	Offset int
	Value  []byte // written for MutationValue, inserted for MutationGap
}

// Apply returns a mutated copy of data. Offsets are clamped to the input.
func Apply(data []byte, m Mutation) []byte {
	off := m.Offset
	if off < 0 {
		off = 0
	}
	if off > len(data) {
		off = len(data)
	}
	switch m.Type {
	case MutationValue:
		out := append([]byte(nil), data...)
		copy(out[off:], m.Value)
		return out
	case MutationGap:
		out := make([]byte, 0, len(data)+len(m.Value))
		out = append(out, data[:off]...)
		out = append(out, m.Value...)
		return append(out, data[off:]...)
	case MutationTruncate:
		return append([]byte(nil), data[:off]...)
	}
	return append([]byte(nil), data...)
}

// Bytes firmware tends to special-case.
var interesting = []byte{0x00, 0x01, 0x7f, 0x80, 0xfe, 0xff}

func randomMutation(rng *rand.Rand, data []byte) Mutation {
	if len(data) == 0 {
		return Mutation{Type: MutationGap, Value: randomBytes(rng, 1+rng.Intn(8))}
	}
	off := rng.Intn(len(data))
	switch n := rng.Intn(10); {
	case n < 6:
		v := randomBytes(rng, 1+rng.Intn(4))
		if rng.Intn(2) == 0 {
			for i := range v {
				v[i] = interesting[rng.Intn(len(interesting))]
			}
		}
		return Mutation{Type: MutationValue, Offset: off, Value: v}
	case n < 9:
		return Mutation{Type: MutationGap, Offset: off, Value: randomBytes(rng, 1+rng.Intn(8))}
	default:
		return Mutation{Type: MutationTruncate, Offset: off}
	}
}

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}
