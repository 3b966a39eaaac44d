package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndRead(t *testing.T) {
	dir := t.TempDir()

	if _, err := Read(dir); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before create, got %v", err)
	}

	meta := NewFileMetadata("holiday.mov", 3, 2<<20, false)
	if err := Create(dir, meta); err != nil {
		t.Fatalf("failed to create metadata: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("failed to read metadata: %v", err)
	}
	if got != meta {
		t.Errorf("retrieved metadata does not match: %+v != %+v", got, meta)
	}
}

func TestCreateIsWriteOnce(t *testing.T) {
	dir := t.TempDir()

	if err := Create(dir, NewFileMetadata("a.bin", 3, 1024, false)); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if err := Create(dir, NewFileMetadata("b.bin", 7, 1024, false)); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("failed to read metadata: %v", err)
	}
	if got.FileName != "a.bin" || got.TotalChunks != 3 {
		t.Errorf("second create must not overwrite: %+v", got)
	}
}

func TestReadCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(dir); err == nil || err == ErrNotFound {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestReadNeverSeesPartialRecord(t *testing.T) {
	for i := 0; i < 200; i++ {
		dir := t.TempDir()
		meta := NewFileMetadata("race.bin", 4, 1024, false)

		done := make(chan struct{})
		errs := make(chan error, 1)
		go func() {
			defer close(errs)
			for {
				got, err := Read(dir)
				switch {
				case err == ErrNotFound:
				case err != nil:
					errs <- err
					return
				case got != meta:
					errs <- fmt.Errorf("read %+v, want %+v", got, meta)
					return
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()

		if err := Create(dir, meta); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		close(done)
		if err := <-errs; err != nil {
			t.Fatalf("concurrent read during create: %v", err)
		}
	}
}

func TestCreateLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := Create(dir, NewFileMetadata("a.bin", 1, 1024, false)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := Create(dir, NewFileMetadata("a.bin", 1, 1024, false)); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != FileName {
		t.Errorf("expected only %s, found %d entries", FileName, len(entries))
	}
}
