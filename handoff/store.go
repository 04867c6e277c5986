// Package handoff keeps one canonical AgentState coherent across firmware
// phases that do not share a runtime. Each phase holds a local copy and
// reconciles it with the canonical copy at an agreed location around every
// operation.
package handoff

import (
	"bytes"

	"kafl.local/agent/state"

	"github.com/pkg/errors"
)

// ErrInconsistent means the canonical storage did not retain what was
// written. It indicates a memory or storage fault and is never retried.
var ErrInconsistent = errors.New("handoff: canonical state did not retain written bytes")

// Backend is raw storage for the canonical state image.
type Backend interface {
	// Location identifies the agreed storage location. A state image is
	// only trusted if it records this value as its self reference.
	Location() uint64
	// Load returns the stored image, or found=false if nothing is stored.
	Load() (image []byte, found bool, err error)
	// Save replaces the stored image.
	Save(image []byte) error
}

// Store is the agent state store over one backend.
type Store struct {
	backend Backend
}

// New returns a store over b.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// Location returns the agreed location of the canonical copy.
func (s *Store) Location() uint64 {
	return s.backend.Location()
}

// ReconcileIn adopts the canonical copy into local if there is a valid one
// and reports whether it did. Missing, zero-filled, malformed or foreign
// images leave local untouched.
func (s *Store) ReconcileIn(local *state.AgentState) (bool, error) {
	image, found, err := s.backend.Load()
	if err != nil {
		return false, errors.Wrap(err, "load canonical state")
	}
	if !found || len(image) != state.AgentStateSize {
		return false, nil
	}
	var canonical state.AgentState
	if err := canonical.UnmarshalSSZ(image); err != nil {
		return false, nil
	}
	if !canonical.Trusted(s.backend.Location()) {
		return false, nil
	}
	*local = canonical
	return true, nil
}

// ReconcileOut stamps local with the marker and the agreed location, writes
// it in full and verifies the write by reading it back.
func (s *Store) ReconcileOut(local *state.AgentState) error {
	local.Stamp(s.backend.Location())
	image, err := local.MarshalSSZ()
	if err != nil {
		return errors.Wrap(err, "marshal local state")
	}
	if err := s.backend.Save(image); err != nil {
		return errors.Wrap(err, "save canonical state")
	}
	back, found, err := s.backend.Load()
	if err != nil {
		return errors.Wrap(err, "read back canonical state")
	}
	if !found || !bytes.Equal(back, image) {
		return errors.Wrapf(ErrInconsistent, "at 0x%x", s.backend.Location())
	}
	var stored state.AgentState
	if err := stored.UnmarshalSSZ(back); err != nil {
		return errors.Wrapf(ErrInconsistent, "decode read back: %v", err)
	}
	want, err := local.HashTreeRoot()
	if err != nil {
		return errors.Wrap(err, "hash local state")
	}
	got, err := stored.HashTreeRoot()
	if err != nil {
		return errors.Wrap(err, "hash stored state")
	}
	if want != got {
		return errors.Wrapf(ErrInconsistent, "root %x != %x", got, want)
	}
	return nil
}
