package handoff

import (
	"testing"

	"kafl.local/agent/memory"
	"kafl.local/agent/state"
	"kafl.local/agent/wire"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

const stateAddr = 0x7f000

func newMemoryStore() (*memory.Flat, *Store) {
	mem := memory.NewFlat(1<<20, 1<<19)
	return mem, New(&MemoryBackend{Mem: mem, Addr: stateAddr})
}

func localState() state.AgentState {
	return state.AgentState{
		Initialized: true,
		FuzzEnabled: true,
		ExitPolicy:  state.ExitAtEOF,
		HostConfig:  wire.HostConfig{HostMagic: wire.HostMagic, HostVersion: wire.HostVersion, PayloadBufferSize: 64},
		Stream:      state.Stream{Buffer: 0x80006, Length: 64, Cursor: 12},
	}
}

func backends() map[string]func() *Store {
	return map[string]func() *Store{
		"memory": func() *Store {
			_, s := newMemoryStore()
			return s
		},
		"variable": func() *Store {
			return New(NewVariableBackend(NewMapVariables()))
		},
	}
}

func TestReconcileInEmptyLeavesLocal(t *testing.T) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			s := mk()
			local := localState()
			want := local
			for i := 0; i < 3; i++ {
				adopted, err := s.ReconcileIn(&local)
				if err != nil {
					t.Fatalf("ReconcileIn failed: %v", err)
				}
				if adopted {
					t.Fatal("Expected nothing to adopt from empty storage")
				}
				if diff := cmp.Diff(want, local); diff != "" {
					t.Fatalf("local state changed (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestReconcileOutThenIn(t *testing.T) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			s := mk()
			local := localState()
			if err := s.ReconcileOut(&local); err != nil {
				t.Fatalf("ReconcileOut failed: %v", err)
			}
			if !local.Trusted(s.Location()) {
				t.Error("Expected local state to be stamped")
			}

			// Another phase with its own zero local copy adopts it.
			var other state.AgentState
			adopted, err := s.ReconcileIn(&other)
			if err != nil {
				t.Fatalf("ReconcileIn failed: %v", err)
			}
			if !adopted {
				t.Fatal("Expected canonical state to be adopted")
			}
			if diff := cmp.Diff(local, other); diff != "" {
				t.Errorf("adopted state mismatch (-want +got):\n%s", diff)
			}

			// reconcile in, reconcile out is idempotent once canonical exists.
			if err := s.ReconcileOut(&other); err != nil {
				t.Fatalf("ReconcileOut failed: %v", err)
			}
			var third state.AgentState
			if _, err := s.ReconcileIn(&third); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(local, third); diff != "" {
				t.Errorf("state drifted after in/out (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReconcileInRejectsForeignState(t *testing.T) {
	mem, s := newMemoryStore()

	// A valid-looking image that was written for another location.
	foreign := localState()
	foreign.Stamp(stateAddr + 0x1000)
	image, _ := foreign.MarshalSSZ()
	if err := mem.Write(stateAddr, image); err != nil {
		t.Fatal(err)
	}

	local := state.AgentState{FuzzEnabled: true}
	adopted, err := s.ReconcileIn(&local)
	if err != nil {
		t.Fatal(err)
	}
	if adopted || local.Initialized || !local.FuzzEnabled {
		t.Errorf("Expected foreign state to be ignored, got adopted=%v local=%+v", adopted, local)
	}

	// Right location, missing marker.
	foreign.Stamp(stateAddr)
	foreign.Marker = [state.MarkerSize]byte{}
	image, _ = foreign.MarshalSSZ()
	if err := mem.Write(stateAddr, image); err != nil {
		t.Fatal(err)
	}
	if adopted, _ := s.ReconcileIn(&local); adopted {
		t.Error("Expected unmarked state to be ignored")
	}
}

func TestReconcileInMalformedImage(t *testing.T) {
	vars := NewMapVariables()
	b := NewVariableBackend(vars)
	if err := vars.SetVariable(b.Name, b.Vendor, 0, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	local := localState()
	adopted, err := New(b).ReconcileIn(&local)
	if err != nil || adopted {
		t.Errorf("Expected short image to be ignored, got adopted=%v err=%v", adopted, err)
	}
}

func TestReconcileOutDetectsCorruption(t *testing.T) {
	vars := NewMapVariables()
	s := New(NewVariableBackend(vars))
	vars.SetFault(func(data []byte) ([]byte, error) {
		data[len(data)-9] ^= 0xff
		return data, nil
	})
	local := localState()
	if err := s.ReconcileOut(&local); !errors.Is(err, ErrInconsistent) {
		t.Errorf("Expected ErrInconsistent, got %v", err)
	}
}

func TestReconcileOutWriteError(t *testing.T) {
	vars := NewMapVariables()
	s := New(NewVariableBackend(vars))
	boom := errors.New("write protected")
	vars.SetFault(func([]byte) ([]byte, error) { return nil, boom })
	local := localState()
	if err := s.ReconcileOut(&local); !errors.Is(err, boom) {
		t.Errorf("Expected write error, got %v", err)
	}
}

func TestMemoryBackendReadError(t *testing.T) {
	mem := memory.NewFlat(memory.PageSize, 0)
	s := New(&MemoryBackend{Mem: mem, Addr: memory.PageSize - 16})
	var local state.AgentState
	if _, err := s.ReconcileIn(&local); !errors.Is(err, memory.ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
}

func TestVariableLocation(t *testing.T) {
	a := NewVariableBackend(NewMapVariables())
	b := NewVariableBackend(NewMapVariables())
	if a.Location() != b.Location() {
		t.Error("Expected the same variable to have the same location")
	}
	b.Name = "OtherState"
	if a.Location() == b.Location() {
		t.Error("Expected different variables to have different locations")
	}
	if got := AgentStateVendor.Bytes(); got[0] != 0x73 || got[8] != 0xb1 {
		t.Errorf("Unexpected GUID layout %x", got)
	}
}

func TestVariableStoresAreIsolated(t *testing.T) {
	vars := NewMapVariables()
	a := New(NewVariableBackend(vars))
	other := NewVariableBackend(vars)
	other.Name = "OtherState"
	b := New(other)

	local := localState()
	if err := a.ReconcileOut(&local); err != nil {
		t.Fatal(err)
	}
	// Copy the image across; it must not be trusted under the other name.
	image, err := vars.GetVariable(AgentStateName, AgentStateVendor)
	if err != nil {
		t.Fatal(err)
	}
	if err := vars.SetVariable(other.Name, other.Vendor, 0, image); err != nil {
		t.Fatal(err)
	}
	var fresh state.AgentState
	if adopted, _ := b.ReconcileIn(&fresh); adopted {
		t.Error("Expected copied image to be rejected under another slot")
	}
}
