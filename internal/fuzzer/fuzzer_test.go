package fuzzer

import (
	"bytes"
	"context"
	"testing"

	"kafl.local/agent/internal/emuhost"
)

func TestApply(t *testing.T) {
	data := []byte("abcdef")
	tests := []struct {
		name string
		m    Mutation
		want string
	}{
		{"value", Mutation{Type: MutationValue, Offset: 2, Value: []byte("XY")}, "abXYef"},
		{"value at end", Mutation{Type: MutationValue, Offset: 5, Value: []byte("XY")}, "abcdeX"},
		{"gap", Mutation{Type: MutationGap, Offset: 3, Value: []byte("--")}, "abc--def"},
		{"gap past end", Mutation{Type: MutationGap, Offset: 99, Value: []byte("!")}, "abcdef!"},
		{"truncate", Mutation{Type: MutationTruncate, Offset: 4}, "abcd"},
		{"negative offset", Mutation{Type: MutationTruncate, Offset: -1}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Apply(data, tt.m); string(got) != tt.want {
				t.Errorf("Apply = %q, want %q", got, tt.want)
			}
		})
	}
	if string(data) != "abcdef" {
		t.Errorf("Apply modified its input: %q", data)
	}
}

func TestStepGrowsByPenalty(t *testing.T) {
	exec := ExecutorFunc(func(p []byte) emuhost.Outcome {
		return emuhost.Outcome{Kind: emuhost.Released, Penalty: 5}
	})
	f := New(exec, [][]byte{[]byte("seed")}, 1, 0)
	res := f.Step()
	if !res.NewSignature {
		t.Error("Expected first outcome to be new")
	}
	var grown bool
	for _, c := range f.Corpus() {
		if len(c) == len(res.Input)+5 && bytes.HasPrefix(c, res.Input) {
			grown = true
		}
	}
	if !grown {
		t.Errorf("Expected corpus entry extended by the penalty, corpus=%q input=%q", f.Corpus(), res.Input)
	}
}

func TestStepKeepsNewSignaturesOnly(t *testing.T) {
	exec := ExecutorFunc(func(p []byte) emuhost.Outcome {
		return emuhost.Outcome{Kind: emuhost.Returned}
	})
	f := New(exec, nil, 1, 0)
	f.Step()
	n := len(f.Corpus())
	if n != 2 {
		t.Fatalf("Expected the first input to be kept, corpus has %d entries", n)
	}
	if res := f.Step(); res.NewSignature || len(f.Corpus()) != n {
		t.Errorf("Expected repeated outcome to be dropped")
	}
}

func TestStepRecordsCrashes(t *testing.T) {
	exec := ExecutorFunc(func(p []byte) emuhost.Outcome {
		return emuhost.Outcome{Kind: emuhost.Sanitizer}
	})
	f := New(exec, nil, 1, 16)
	if err := f.Run(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	if len(f.Crashes()) != 3 {
		t.Errorf("Expected 3 crashes, got %d", len(f.Crashes()))
	}
	if s := f.Summary(); s.Iterations != 3 || s.Kinds["sanitizer"] != 3 {
		t.Errorf("Unexpected summary %+v", s)
	}
	for _, c := range f.Corpus() {
		if len(c) > 16 {
			t.Errorf("corpus entry exceeds max size: %d", len(c))
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	calls := 0
	exec := ExecutorFunc(func(p []byte) emuhost.Outcome {
		calls++
		return emuhost.Outcome{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(exec, nil, 1, 0).Run(ctx, 10); err == nil || calls != 0 {
		t.Errorf("Expected immediate cancellation, err=%v calls=%d", err, calls)
	}
}
