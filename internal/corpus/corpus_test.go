package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func write(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "b"), "second")
	write(t, filepath.Join(dir, "a"), "first")
	write(t, filepath.Join(dir, ".hidden"), "skip")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	single := filepath.Join(t.TempDir(), "c")
	write(t, single, "third")

	got, err := Load([]string{dir, single}, 0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []Input{
		{Name: "a", Data: []byte("first")},
		{Name: "b", Data: []byte("second")},
		{Name: "c", Data: []byte("third")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load([]string{dir}, 0); err == nil {
		t.Error("Expected error for empty corpus")
	}
	if _, err := Load([]string{filepath.Join(dir, "missing")}, 0); err == nil {
		t.Error("Expected error for missing path")
	}
	big := filepath.Join(dir, "big")
	write(t, big, "0123456789")
	if _, err := Load([]string{big}, 4); err == nil {
		t.Error("Expected error for oversized input")
	}
}
