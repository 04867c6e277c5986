package handoff

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// GUID is an EFI GUID in its canonical mixed-endian layout.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// Bytes returns the 16-byte in-memory representation.
func (g GUID) Bytes() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], g.Data1)
	binary.LittleEndian.PutUint16(b[4:6], g.Data2)
	binary.LittleEndian.PutUint16(b[6:8], g.Data3)
	copy(b[8:], g.Data4[:])
	return b
}

var (
	// AgentStateVendor is the vendor GUID of the agent state variable,
	// {9E44C873-2D36-4605-B146-69A23D7D42B9}.
	AgentStateVendor = GUID{0x9e44c873, 0x2d36, 0x4605, [8]byte{0xb1, 0x46, 0x69, 0xa2, 0x3d, 0x7d, 0x42, 0xb9}}
	// AgentStateName is the name of the agent state variable.
	AgentStateName = "KaflAgentState"
)

// Variable attributes, as passed to SetVariable.
const (
	AttrNonVolatile       uint32 = 0x1
	AttrBootServiceAccess uint32 = 0x2
	AttrRuntimeAccess     uint32 = 0x4
)

// ErrNotFound is returned by GetVariable for a variable that does not exist.
var ErrNotFound = errors.New("variable not found")

// Variables is a keyed persisted store such as UEFI runtime variables.
type Variables interface {
	GetVariable(name string, vendor GUID) ([]byte, error)
	SetVariable(name string, vendor GUID, attrs uint32, data []byte) error
}

// VariableBackend keeps the canonical image in a named variable.
type VariableBackend struct {
	Vars   Variables
	Name   string
	Vendor GUID
}

// NewVariableBackend returns a backend on the default agent state variable.
func NewVariableBackend(vars Variables) *VariableBackend {
	return &VariableBackend{Vars: vars, Name: AgentStateName, Vendor: AgentStateVendor}
}

// Location derives the slot identity from vendor and UTF-16 name with FNV-64a,
// so that state written under another variable is never trusted.
func (b *VariableBackend) Location() uint64 {
	h := fnv.New64a()
	h.Write(b.Vendor.Bytes())
	for _, u := range utf16.Encode([]rune(b.Name)) {
		h.Write([]byte{byte(u), byte(u >> 8)})
	}
	return h.Sum64()
}

func (b *VariableBackend) Load() ([]byte, bool, error) {
	data, err := b.Vars.GetVariable(b.Name, b.Vendor)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get variable %s", b.Name)
	}
	return data, true, nil
}

func (b *VariableBackend) Save(image []byte) error {
	err := b.Vars.SetVariable(b.Name, b.Vendor, AttrBootServiceAccess|AttrRuntimeAccess, image)
	return errors.Wrapf(err, "set variable %s", b.Name)
}

type varKey struct {
	name   string
	vendor GUID
}

// MapVariables is an in-memory Variables implementation. SetFault makes
// subsequent writes corrupt or fail, for exercising the write-back check.
type MapVariables struct {
	mu    sync.Mutex
	vars  map[varKey][]byte
	fault func(data []byte) ([]byte, error)
}

// NewMapVariables returns an empty variable store.
func NewMapVariables() *MapVariables {
	return &MapVariables{vars: make(map[varKey][]byte)}
}

func (m *MapVariables) GetVariable(name string, vendor GUID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.vars[varKey{name, vendor}]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	}
	return append([]byte(nil), data...), nil
}

func (m *MapVariables) SetVariable(name string, vendor GUID, attrs uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data = append([]byte(nil), data...)
	if m.fault != nil {
		var err error
		if data, err = m.fault(data); err != nil {
			return err
		}
	}
	m.vars[varKey{name, vendor}] = data
	return nil
}

// SetFault installs a write filter; nil removes it.
func (m *MapVariables) SetFault(fault func(data []byte) ([]byte, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fault
}
