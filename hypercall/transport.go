// Package hypercall is the guest side of the kAFL/Nyx hypercall ABI.
//
// A hypercall is a synchronous trap into the host. Some calls hand control
// to the host for good: the host restores its snapshot and the guest never
// sees the call return. Emulated hosts model this by unwinding the guest
// with a *Terminated panic which Run recovers.
package hypercall

import (
	"fmt"

	"github.com/pkg/errors"
)

// Transport issues one hypercall with a single pointer-or-scalar argument.
// The result is host defined and mostly ignored by the agent.
type Transport interface {
	Call(op Opcode, arg uint64) uint64
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(op Opcode, arg uint64) uint64

func (f TransportFunc) Call(op Opcode, arg uint64) uint64 {
	return f(op, arg)
}

// ErrReturned is raised when a call that must not return did return.
var ErrReturned = errors.New("hypercall: terminal hypercall returned to guest")

// Terminated is the panic value an emulated host uses to end the current
// guest execution at a terminal hypercall.
type Terminated struct {
	Op  Opcode
	Arg uint64
}

func (t *Terminated) Error() string {
	return fmt.Sprintf("guest terminated by %v(0x%x)", t.Op, t.Arg)
}

// Terminal issues a call that is not expected to come back. If it does,
// the guest is in an undefined state and Terminal panics with ErrReturned.
func Terminal(t Transport, op Opcode, arg uint64) {
	t.Call(op, arg)
	panic(errors.Wrapf(ErrReturned, "%v", op))
}

// Run executes fn and reports the terminal hypercall that ended it, or nil
// if fn returned normally. Panics other than *Terminated are re-raised.
func Run(fn func()) (term *Terminated) {
	defer func() {
		if r := recover(); r != nil {
			t, ok := r.(*Terminated)
			if !ok {
				panic(r)
			}
			term = t
		}
	}()
	fn()
	return nil
}
