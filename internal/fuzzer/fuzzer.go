// Package fuzzer is a small host-side fuzz loop over an emulated guest. It
// mutates a corpus, keeps inputs that end in an iteration outcome not seen
// before, and grows inputs by the release penalty the agent reports.
package fuzzer

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math/rand"

	"kafl.local/agent/internal/emuhost"
)

// maxGrow caps how much a single release penalty extends an input.
const maxGrow = 1 << 16

// Executor runs one payload as one guest iteration.
type Executor interface {
	Execute(payload []byte) emuhost.Outcome
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(payload []byte) emuhost.Outcome

func (f ExecutorFunc) Execute(payload []byte) emuhost.Outcome { return f(payload) }

// Crash is an input whose iteration did not end in a release.
type Crash struct {
	Input   []byte
	Outcome emuhost.Outcome
}

// Result is the record of one Step.
type Result struct {
	Input        []byte
	Outcome      emuhost.Outcome
	NewSignature bool
}

type Fuzzer struct {
	exec    Executor
	rng     *rand.Rand
	maxSize int
	corpus  [][]byte
	seen    map[uint64]struct{}
	crashes []Crash
	summary emuhost.Summary
}

// New returns a fuzzer starting from seeds, or from one empty input.
func New(exec Executor, seeds [][]byte, seed int64, maxSize int) *Fuzzer {
	f := &Fuzzer{
		exec:    exec,
		rng:     rand.New(rand.NewSource(seed)),
		maxSize: maxSize,
		seen:    make(map[uint64]struct{}),
		summary: emuhost.NewSummary(),
	}
	for _, s := range seeds {
		f.corpus = append(f.corpus, append([]byte(nil), s...))
	}
	if len(f.corpus) == 0 {
		f.corpus = [][]byte{{}}
	}
	return f
}

// signature identifies how an iteration ended.
func signature(o emuhost.Outcome) uint64 {
	h := fnv.New64a()
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(o.Kind))
	binary.LittleEndian.PutUint64(buf[8:16], o.Penalty)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(o.Calls)))
	h.Write(buf[:])
	h.Write([]byte(o.AbortMessage))
	return h.Sum64()
}

func (f *Fuzzer) add(input []byte) {
	if f.maxSize > 0 && len(input) > f.maxSize {
		input = input[:f.maxSize]
	}
	f.corpus = append(f.corpus, input)
}

// Step mutates one corpus entry and runs it.
func (f *Fuzzer) Step() Result {
	base := f.corpus[f.rng.Intn(len(f.corpus))]
	input := Apply(base, randomMutation(f.rng, base))
	if f.maxSize > 0 && len(input) > f.maxSize {
		input = input[:f.maxSize]
	}

	out := f.exec.Execute(input)
	f.summary.Add(out)
	res := Result{Input: input, Outcome: out}

	sig := signature(out)
	if _, ok := f.seen[sig]; !ok {
		f.seen[sig] = struct{}{}
		res.NewSignature = true
		f.add(input)
	}
	switch out.Kind {
	case emuhost.Released:
		// The agent ran out of input; offer it what it asked for.
		if grow := out.Penalty; grow > 0 && (f.maxSize == 0 || len(input) < f.maxSize) {
			if grow > maxGrow {
				grow = maxGrow
			}
			f.add(Apply(input, Mutation{Type: MutationGap, Offset: len(input), Value: randomBytes(f.rng, int(grow))}))
		}
	case emuhost.Crashed, emuhost.Sanitizer, emuhost.Aborted:
		f.crashes = append(f.crashes, Crash{Input: input, Outcome: out})
	}
	return res
}

// Run performs n steps or stops early when ctx is done.
func (f *Fuzzer) Run(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.Step()
	}
	return nil
}

func (f *Fuzzer) Corpus() [][]byte { return f.corpus }

func (f *Fuzzer) Crashes() []Crash { return f.crashes }

func (f *Fuzzer) Summary() emuhost.Summary { return f.summary }
