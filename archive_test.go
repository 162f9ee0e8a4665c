package tributary

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func testArchiveBackend(t *testing.T, b ArchiveBackend) {
	t.Helper()
	ctx := context.Background()

	if err := b.Put(ctx, "seg/0001", []byte("first")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.Put(ctx, "seg/0002", []byte("second")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := b.Put(ctx, "other/0001", []byte("elsewhere")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := b.Get(ctx, "seg/0001")
	if err != nil || !bytes.Equal(got, []byte("first")) {
		t.Fatalf("get = %q, %v", got, err)
	}

	// Put replaces.
	if err := b.Put(ctx, "seg/0001", []byte("rewritten")); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	if got, _ := b.Get(ctx, "seg/0001"); !bytes.Equal(got, []byte("rewritten")) {
		t.Errorf("after re-put get = %q", got)
	}

	names, err := b.List(ctx, "seg/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "seg/0001" || names[1] != "seg/0002" {
		t.Errorf("list = %v", names)
	}

	if _, err := b.Get(ctx, "seg/missing"); err == nil {
		t.Error("get of missing segment must fail")
	}
}

func TestMemoryArchive(t *testing.T) {
	testArchiveBackend(t, newMemoryArchive())
}

func TestMemoryArchiveCopies(t *testing.T) {
	m := newMemoryArchive()
	ctx := context.Background()

	data := []byte("payload")
	if err := m.Put(ctx, "s", data); err != nil {
		t.Fatalf("put: %v", err)
	}
	data[0] = 'X'
	got, _ := m.Get(ctx, "s")
	if !bytes.Equal(got, []byte("payload")) {
		t.Error("stored segment aliases caller buffer")
	}
	got[0] = 'Y'
	again, _ := m.Get(ctx, "s")
	if !bytes.Equal(again, []byte("payload")) {
		t.Error("returned segment aliases stored buffer")
	}
}

func TestFileArchive(t *testing.T) {
	f, err := newFileArchive(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatalf("newFileArchive: %v", err)
	}
	testArchiveBackend(t, f)
}

func TestFileArchiveConfinesPaths(t *testing.T) {
	dir := t.TempDir()
	f, err := newFileArchive(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("newFileArchive: %v", err)
	}
	ctx := context.Background()

	// A traversal name must stay inside the archive directory.
	if err := f.Put(ctx, "../escape", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape")); err == nil {
		t.Error("segment escaped the archive directory")
	}
	if _, err := f.Get(ctx, "../escape"); err != nil {
		t.Errorf("clean-name get: %v", err)
	}
}

func TestFileArchiveListSkipsTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	f, err := newFileArchive(dir)
	if err != nil {
		t.Fatalf("newFileArchive: %v", err)
	}
	ctx := context.Background()
	if err := f.Put(ctx, "seg-1", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// A crashed Put leaves a .tmp behind; List must not report it.
	if err := os.WriteFile(filepath.Join(dir, "seg-2.tmp"), []byte("partial"), 0o644); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	names, err := f.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "seg-1" {
		t.Errorf("list = %v", names)
	}
}

func TestNewArchiveBackendDispatch(t *testing.T) {
	if _, err := newArchiveBackend(ArchiveConfig{Backend: "memory"}); err != nil {
		t.Errorf("memory backend: %v", err)
	}
	if _, err := newArchiveBackend(ArchiveConfig{Backend: "file", Dir: t.TempDir()}); err != nil {
		t.Errorf("file backend: %v", err)
	}
	if _, err := newArchiveBackend(ArchiveConfig{Backend: "bogus"}); err == nil {
		t.Error("unknown backend must fail")
	}
}
