package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kafl.local/agent/internal/emuhost"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
)

func boot(family byte, vendors ...uint16) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, uint32(family)<<8|0xa9)
	binary.Write(&b, binary.LittleEndian, uint64(0xfee00900))
	for _, v := range vendors {
		binary.Write(&b, binary.LittleEndian, v)
	}
	return b.Bytes()
}

func writeCorpus(t *testing.T, inputs map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range inputs {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func defaultOptions() options {
	return options{
		Workers:     2,
		BufferSize:  4096,
		MemorySize:  16 << 20,
		Store:       "memory",
		ExitAtEOF:   true,
		ElementSize: 1,
	}
}

func TestReplay(t *testing.T) {
	dir := writeCorpus(t, map[string][]byte{
		"empty":     nil,
		"clean":     boot(6, 0xffff, 0xffff, 0xffff, 0xffff),
		"zero-ring": boot(6, 0x1af4, 0),
		"huge-ring": boot(6, 0xffff, 0x1af4, 2000),
		"family0":   boot(0),
	})
	for _, store := range []string{"memory", "variable"} {
		t.Run(store, func(t *testing.T) {
			opts := defaultOptions()
			opts.Store = store
			logger, _ := test.NewNullLogger()
			got, err := replay(context.Background(), opts, []string{dir}, logger)
			if err != nil {
				t.Fatalf("replay failed: %v", err)
			}
			want := emuhost.Summary{
				Iterations:   5,
				TotalPenalty: 4,
				Kinds:        map[string]int{"released": 2, "crashed": 2, "sanitizer": 1},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("summary mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReplayDumpsStats(t *testing.T) {
	dir := writeCorpus(t, map[string][]byte{"short": boot(6)[:6]})
	opts := defaultOptions()
	opts.Workers = 1
	opts.Dump = "stats"
	opts.DumpDir = t.TempDir()
	logger, _ := test.NewNullLogger()
	if _, err := replay(context.Background(), opts, []string{dir}, logger); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(opts.DumpDir, "short.fuzz_stats.yaml"))
	if err != nil {
		t.Fatalf("Expected stats file: %v", err)
	}
	if !strings.Contains(string(data), "location: cpuid") || !strings.Contains(string(data), "shortfall: 8") {
		t.Errorf("Unexpected stats file:\n%s", data)
	}
}

func TestOptionsValidate(t *testing.T) {
	opts := defaultOptions()
	if err := opts.validate(); err != nil {
		t.Errorf("Expected defaults to be valid: %v", err)
	}
	for _, mutate := range []func(*options){
		func(o *options) { o.Workers = 0 },
		func(o *options) { o.Store = "disk" },
		func(o *options) { o.Dump = "everything" },
	} {
		o := defaultOptions()
		mutate(&o)
		if err := o.validate(); err == nil {
			t.Errorf("Expected %+v to be rejected", o)
		}
	}
}

func TestRootCommandReplay(t *testing.T) {
	dir := writeCorpus(t, map[string][]byte{"empty": nil})
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"replay", "--workers", "1", "--element-size", "2", dir})
	t.Setenv("AGENTSIM_STORE", "variable")
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(out.String(), "total_penalty: 8") {
		t.Errorf("Unexpected summary:\n%s", out.String())
	}
}
