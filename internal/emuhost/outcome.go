package emuhost

import "kafl.local/agent/hypercall"

// Kind classifies how a guest iteration ended.
type Kind int

const (
	// Returned means the guest ran to completion without a terminal call.
	Returned Kind = iota
	// Released is a regular end of iteration through RELEASE.
	Released
	Crashed
	Sanitizer
	Aborted
	// Exhausted means the guest asked for a payload when none was queued.
	Exhausted
)

var kindNames = [...]string{
	Returned:  "returned",
	Released:  "released",
	Crashed:   "crashed",
	Sanitizer: "sanitizer",
	Aborted:   "aborted",
	Exhausted: "exhausted",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

func kindOf(t *hypercall.Terminated) Kind {
	if t == nil {
		return Returned
	}
	switch t.Op {
	case hypercall.Release:
		return Released
	case hypercall.Panic:
		return Crashed
	case hypercall.Kasan:
		return Sanitizer
	case hypercall.UserAbort:
		return Aborted
	case hypercall.NextPayload:
		return Exhausted
	}
	return Crashed
}

// Call is one hypercall seen by the host.
type Call struct {
	Op  hypercall.Opcode
	Arg uint64
}

// Outcome summarizes one guest iteration.
type Outcome struct {
	Kind Kind
	// Penalty is the RELEASE argument, the shortfall hint for the next input.
	Penalty uint64
	// AbortMessage is the USER_ABORT string.
	AbortMessage string
	Calls        []Call
}

// Count returns how often op was called in the iteration.
func (o *Outcome) Count(op hypercall.Opcode) int {
	n := 0
	for _, c := range o.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Summary aggregates outcomes over a replay.
type Summary struct {
	Iterations   int            `yaml:"iterations"`
	TotalPenalty uint64         `yaml:"total_penalty"`
	Kinds        map[string]int `yaml:"outcomes"`
}

// NewSummary initializes a Summary with a non-nil Kinds map.
func NewSummary() Summary {
	return Summary{Kinds: make(map[string]int)}
}

// Add accounts one outcome.
func (s *Summary) Add(o Outcome) {
	s.Iterations++
	s.TotalPenalty += o.Penalty
	s.Kinds[o.Kind.String()]++
}
