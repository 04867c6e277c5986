package agent

import (
	"encoding/binary"

	"kafl.local/agent/state"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FuzzBuffer fills out from the fuzz stream for a read of kind loc at call
// site caller, and returns the number of bytes substituted. A request is
// served in full or not at all; on 0 the caller keeps orig.
//
// Running dry ends the iteration unless the agent dumps the observed
// payload, in which case orig is recorded in place of the missing input.
// orig should be len(out) bytes; a shorter orig is recorded zero padded.
func (a *Agent) FuzzBuffer(out, orig []byte, caller uint64, loc state.Location) int {
	var n int
	a.do("fuzz buffer", func(s *state.AgentState) error {
		if !s.Initialized || !s.FuzzEnabled {
			return nil
		}
		var err error
		n, err = a.fuzz(s, out, orig, caller, loc)
		return err
	})
	return n
}

func (a *Agent) fuzz(s *state.AgentState, out, orig []byte, caller uint64, loc state.Location) (int, error) {
	mem := a.cfg.Mem
	n, err := s.Stream.Consume(mem, out)
	if err != nil {
		return 0, err
	}
	served := n == len(out)
	if s.Flags.DumpStats {
		s.Stats.Count(loc, served)
	}
	if s.Flags.DumpObserved {
		tail := make([]byte, len(out)-n)
		if len(orig) > n {
			copy(tail, orig[n:])
		}
		if err := s.Mirror.Record(mem, out[:n], tail); err != nil {
			return n, a.overflow(s, err)
		}
	}
	if s.Flags.DumpCallers {
		if err := s.Mirror.RecordCaller(mem, caller, loc); err != nil {
			return n, a.overflow(s, err)
		}
	}
	if !served && s.ExitPolicy == state.ExitAtEOF && !s.Flags.DumpObserved {
		a.log.WithFields(logrus.Fields{
			"location":  loc,
			"shortfall": s.Stream.Shortfall,
		}).Debug("fuzz stream exhausted")
		a.done(s)
	}
	return n, nil
}

// overflow ends the iteration on a full observed buffer and passes any
// other error on.
func (a *Agent) overflow(s *state.AgentState, err error) error {
	if !errors.Is(err, state.ErrMirrorOverflow) {
		return err
	}
	a.log.WithError(err).Warn("observed buffer full, finishing iteration")
	a.done(s)
	return nil
}

// FuzzUint8 returns a fuzzed replacement for orig, or orig itself.
func (a *Agent) FuzzUint8(orig uint8, caller uint64, loc state.Location) uint8 {
	var buf [1]byte
	if a.FuzzBuffer(buf[:], []byte{orig}, caller, loc) == len(buf) {
		return buf[0]
	}
	return orig
}

func (a *Agent) FuzzUint16(orig uint16, caller uint64, loc state.Location) uint16 {
	var o, buf [2]byte
	binary.LittleEndian.PutUint16(o[:], orig)
	if a.FuzzBuffer(buf[:], o[:], caller, loc) == len(buf) {
		return binary.LittleEndian.Uint16(buf[:])
	}
	return orig
}

func (a *Agent) FuzzUint32(orig uint32, caller uint64, loc state.Location) uint32 {
	var o, buf [4]byte
	binary.LittleEndian.PutUint32(o[:], orig)
	if a.FuzzBuffer(buf[:], o[:], caller, loc) == len(buf) {
		return binary.LittleEndian.Uint32(buf[:])
	}
	return orig
}

func (a *Agent) FuzzUint64(orig uint64, caller uint64, loc state.Location) uint64 {
	var o, buf [8]byte
	binary.LittleEndian.PutUint64(o[:], orig)
	if a.FuzzBuffer(buf[:], o[:], caller, loc) == len(buf) {
		return binary.LittleEndian.Uint64(buf[:])
	}
	return orig
}
