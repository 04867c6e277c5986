package state

import (
	"encoding/binary"

	ssz "github.com/ferranbt/fastssz"
	"gopkg.in/yaml.v2"
)

// Stats counts fuzz requests per location kind: Hits were served from the
// stream, Misses fell short.
type Stats struct {
	Hits   [LocationCount]uint32
	Misses [LocationCount]uint32
}

const StatsSize = 8 * int(LocationCount)

// Count accounts one request at loc.
func (s *Stats) Count(loc Location, served bool) {
	if !loc.Valid() {
		loc = LocRandom
	}
	if served {
		s.Hits[loc]++
	} else {
		s.Misses[loc]++
	}
}

type locationReport struct {
	Location string `yaml:"location"`
	Hits     uint32 `yaml:"hits"`
	Misses   uint32 `yaml:"misses"`
}

type statsReport struct {
	Consumed  uint32           `yaml:"consumed"`
	Length    uint32           `yaml:"length"`
	Shortfall uint32           `yaml:"shortfall"`
	Locations []locationReport `yaml:"locations"`
}

// Report renders the counters together with the stream position, skipping
// locations that were never requested.
func (s *Stats) Report(stream *Stream) ([]byte, error) {
	r := statsReport{
		Consumed:  stream.Cursor,
		Length:    stream.Length,
		Shortfall: stream.Shortfall,
	}
	for loc := Location(0); loc < LocationCount; loc++ {
		if s.Hits[loc] == 0 && s.Misses[loc] == 0 {
			continue
		}
		r.Locations = append(r.Locations, locationReport{
			Location: loc.String(),
			Hits:     s.Hits[loc],
			Misses:   s.Misses[loc],
		})
	}
	return yaml.Marshal(&r)
}

func (s *Stats) marshalTo(dst []byte) []byte {
	for _, v := range s.Hits {
		dst = ssz.MarshalUint32(dst, v)
	}
	for _, v := range s.Misses {
		dst = ssz.MarshalUint32(dst, v)
	}
	return dst
}

func (s *Stats) unmarshal(buf []byte) {
	for i := range s.Hits {
		s.Hits[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	buf = buf[4*len(s.Hits):]
	for i := range s.Misses {
		s.Misses[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
}

func (s *Stats) HashTreeRootWith(hh ssz.HashWalker) error {
	indx := hh.Index()
	for _, v := range s.Hits {
		hh.PutUint32(v)
	}
	for _, v := range s.Misses {
		hh.PutUint32(v)
	}
	hh.Merkleize(indx)
	return nil
}
