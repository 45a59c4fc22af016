package utils

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestFileOperations_AtomicWriteFile(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "nested", "store.json")

	if err := fileOps.AtomicWriteFile(path, []byte(`{"a":1}`), 0600); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written file: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("unexpected contents: %s", data)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
		}
	}

	// overwrite replaces contents and leaves no temp files behind
	if err := fileOps.AtomicWriteFile(path, []byte(`{"b":2}`), 0600); err != nil {
		t.Fatalf("second AtomicWriteFile failed: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != `{"b":2}` {
		t.Errorf("unexpected contents after overwrite: %s", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileOperations_ReadFileIfExists(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()

	data, err := fileOps.ReadFileIfExists(filepath.Join(tempDir, "missing.json"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if data != nil {
		t.Errorf("expected nil data for missing file, got %q", data)
	}

	path := filepath.Join(tempDir, "present.json")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	data, err = fileOps.ReadFileIfExists(path)
	if err != nil || string(data) != "x" {
		t.Errorf("expected contents x, got %q (%v)", data, err)
	}
}

func TestFileOperations_RemoveIfExists(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "gone.json")

	if err := fileOps.RemoveIfExists(path); err != nil {
		t.Errorf("removing a missing file should not fail: %v", err)
	}

	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := fileOps.RemoveIfExists(path); err != nil {
		t.Fatalf("RemoveIfExists failed: %v", err)
	}
	if fileOps.FileExists(path) {
		t.Error("expected file to be removed")
	}
}

func TestFileOperations_EnsureDir(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "a", "b", "file.json")

	if err := fileOps.EnsureDir(path); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	if !fileOps.FileExists(filepath.Dir(path)) {
		t.Error("expected parent directory to exist")
	}
}
