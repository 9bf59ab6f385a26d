package jsonfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.json")

	if err := AtomicWrite(path, map[string]any{"samples": []string{}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("written file is not valid JSON: %v", err)
	}
	if _, ok := got["samples"]; !ok {
		t.Error("samples key missing")
	}
}

func TestAtomicWriteKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.json")

	if err := AtomicWrite(path, map[string]int{"version": 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWrite(path, map[string]int{"version": 2}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(bak, &got); err != nil {
		t.Fatalf("backup not valid JSON: %v", err)
	}
	if got["version"] != 1 {
		t.Errorf("backup version = %d, want previous content", got["version"])
	}
}

func TestAtomicWriteRawRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "samples.json")
	if err := os.WriteFile(path, []byte(`{"ok":true}`), 0644); err != nil {
		t.Fatal(err)
	}

	if err := AtomicWriteRaw(path, []byte("{broken")); err == nil {
		t.Fatal("expected validation error")
	}

	// Original untouched, no temp leftovers.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("original file changed: %s", data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "samples.json" {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}
