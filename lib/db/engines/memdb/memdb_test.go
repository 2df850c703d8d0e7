package memdb

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVolatile(t *testing.T) {
	e, err := Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s, _ := e.NewSession()
	if err := s.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close of volatile engine failed: %v", err)
	}
}

func TestCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	// a key length without the key bytes
	if err := os.WriteFile(filepath.Join(dir, SnapshotFile), []byte{5, 0, 0, 0, 'a'}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir); err == nil {
		t.Fatalf("Expected Open to fail on a truncated snapshot")
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	if err := Restore(t.TempDir(), filepath.Join(t.TempDir(), "dst"), nil); err == nil {
		t.Fatalf("Expected Restore to fail without a snapshot file")
	}
}
