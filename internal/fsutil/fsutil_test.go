package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFileScoped_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "workers.yaml")
	if err := os.WriteFile(p, []byte("workers: []"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	b, err := ReadFileScoped(p, 0)
	if err != nil {
		t.Fatalf("ReadFileScoped error: %v", err)
	}
	if string(b) != "workers: []" {
		t.Fatalf("unexpected content: %q", string(b))
	}
}

func TestReadFileScoped_UnnormalizedPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "c.yaml"), []byte("ok"), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := ReadFileScoped(filepath.Join(dir, "sub", "..", "sub", ".", "c.yaml"), 16)
	if err != nil {
		t.Fatalf("ReadFileScoped error: %v", err)
	}
	if string(b) != "ok" {
		t.Fatalf("unexpected content: %q", string(b))
	}
}

func TestReadFileScoped_Limit(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "big.yaml")
	if err := os.WriteFile(p, []byte(strings.Repeat("x", 64)), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadFileScoped(p, 64); err != nil {
		t.Fatalf("file at the limit should be read: %v", err)
	}
	_, err := ReadFileScoped(p, 63)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestReadFileScoped_Errors(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "subdir"), 0o750); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{
		"",
		".",
		string(filepath.Separator),
		filepath.Join(dir, "missing.yaml"),
		filepath.Join(dir, "nodir", "file.yaml"),
	} {
		if _, err := ReadFileScoped(p, 0); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

func TestReadFileScoped_RejectsEscapingSymlink(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "secret.yaml")
	if err := os.WriteFile(outside, []byte("secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	link := filepath.Join(dir, "workers.yaml")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := ReadFileScoped(link, 0); err == nil {
		t.Fatal("expected a symlink leaving the directory to be rejected")
	}
}
