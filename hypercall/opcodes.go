package hypercall

import "fmt"

// Opcode selects the host service requested by a hypercall.
// Numbers follow the kAFL/Nyx hypercall ABI.
type Opcode uint64

const (
	Acquire        Opcode = 0
	GetPayload     Opcode = 1
	Release        Opcode = 4
	Panic          Opcode = 8
	Kasan          Opcode = 9
	NextPayload    Opcode = 12
	Printf         Opcode = 13
	UserAbort      Opcode = 20
	RangeSubmit    Opcode = 29
	GetHostConfig  Opcode = 35
	SetAgentConfig Opcode = 36
	DumpFile       Opcode = 37
)

var opcodeNames = map[Opcode]string{
	Acquire:        "HYPERCALL_KAFL_ACQUIRE",
	GetPayload:     "HYPERCALL_KAFL_GET_PAYLOAD",
	Release:        "HYPERCALL_KAFL_RELEASE",
	Panic:          "HYPERCALL_KAFL_PANIC",
	Kasan:          "HYPERCALL_KAFL_KASAN",
	NextPayload:    "HYPERCALL_KAFL_NEXT_PAYLOAD",
	Printf:         "HYPERCALL_KAFL_PRINTF",
	UserAbort:      "HYPERCALL_KAFL_USER_ABORT",
	RangeSubmit:    "HYPERCALL_KAFL_RANGE_SUBMIT",
	GetHostConfig:  "HYPERCALL_KAFL_GET_HOST_CONFIG",
	SetAgentConfig: "HYPERCALL_KAFL_SET_AGENT_CONFIG",
	DumpFile:       "HYPERCALL_KAFL_DUMP_FILE",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("HYPERCALL_KAFL_%d", uint64(op))
}
