package hypercall

import (
	"io"
	"strings"
	"testing"

	"kafl.local/agent/memory"

	"github.com/pkg/errors"
)

type call struct {
	op  Opcode
	arg uint64
}

func TestRunRecoversTerminated(t *testing.T) {
	tr := TransportFunc(func(op Opcode, arg uint64) uint64 {
		panic(&Terminated{Op: op, Arg: arg})
	})
	term := Run(func() {
		Terminal(tr, Release, 7)
	})
	if term == nil {
		t.Fatal("Expected a terminated result")
	}
	if term.Op != Release || term.Arg != 7 {
		t.Errorf("Expected RELEASE(7), got %v(%d)", term.Op, term.Arg)
	}
}

func TestRunNormalReturn(t *testing.T) {
	if term := Run(func() {}); term != nil {
		t.Errorf("Expected nil, got %v", term)
	}
}

func TestTerminalThatReturnsPanics(t *testing.T) {
	tr := TransportFunc(func(Opcode, uint64) uint64 { return 0 })
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrReturned) {
			t.Errorf("Expected ErrReturned panic, got %v", r)
		}
	}()
	Run(func() { Terminal(tr, Panic, 0) })
	t.Error("Terminal returned")
}

func TestPrintfHook(t *testing.T) {
	mem := memory.NewFlat(16*memory.PageSize, 8*memory.PageSize)
	var calls []call
	var lines []string
	tr := TransportFunc(func(op Opcode, arg uint64) uint64 {
		calls = append(calls, call{op, arg})
		s, err := memory.ReadCString(mem, arg, MessageSize)
		if err != nil {
			t.Fatalf("ReadCString failed: %v", err)
		}
		lines = append(lines, s)
		return 0
	})

	log := NewLogger(tr, mem, 0x2000)
	log.WithField("event", "START").Info("agent initialized")
	log.Debug("not forwarded")

	if len(calls) != 1 {
		t.Fatalf("Expected 1 PRINTF, got %d", len(calls))
	}
	if calls[0].op != Printf || calls[0].arg != 0x2000 {
		t.Errorf("Expected PRINTF(0x2000), got %v(0x%x)", calls[0].op, calls[0].arg)
	}
	if !strings.Contains(lines[0], "agent initialized") || !strings.Contains(lines[0], "event=START") {
		t.Errorf("Unexpected log line %q", lines[0])
	}
	if log.Out != io.Discard {
		t.Errorf("Expected local output to be discarded, got %T", log.Out)
	}
}

func TestOpcodeString(t *testing.T) {
	if got := NextPayload.String(); got != "HYPERCALL_KAFL_NEXT_PAYLOAD" {
		t.Errorf("Unexpected name %s", got)
	}
	if got := Opcode(99).String(); got != "HYPERCALL_KAFL_99" {
		t.Errorf("Unexpected name %s", got)
	}
}
