package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
)

// Assembler appends chunks, in order, to a hidden temp file and moves it to
// its final name on Commit.
type Assembler struct {
	file      *os.File
	finalPath string
	written   int64
	hash      hash.Hash
}

// SafeName reduces an untrusted file name to a bare base name.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "relayed.bin"
	}
	return base
}

// NewAssembler prepares outDir/SafeName(fileName). It refuses to overwrite
// an existing file.
func NewAssembler(outDir, fileName string) (*Assembler, error) {
	finalPath := filepath.Join(outDir, SafeName(fileName))
	if _, err := os.Stat(finalPath); err == nil {
		return nil, fmt.Errorf("output file %s already exists", finalPath)
	}
	file, err := os.CreateTemp(outDir, ".relay-*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return &Assembler{file: file, finalPath: finalPath, hash: sha256.New()}, nil
}

// Append writes the next chunk.
func (a *Assembler) Append(data []byte) error {
	n, err := a.file.Write(data)
	a.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write chunk to output file: %w", err)
	}
	a.hash.Write(data)
	return nil
}

func (a *Assembler) Written() int64 {
	return a.written
}

// Sum returns the hex SHA-256 of everything appended so far.
func (a *Assembler) Sum() string {
	return hex.EncodeToString(a.hash.Sum(nil))
}

func (a *Assembler) Path() string {
	return a.finalPath
}

// Commit flushes the temp file and renames it into place.
func (a *Assembler) Commit() error {
	if err := a.file.Sync(); err != nil {
		a.Abort()
		return fmt.Errorf("failed to flush output file: %w", err)
	}
	if err := a.file.Close(); err != nil {
		os.Remove(a.file.Name())
		return fmt.Errorf("failed to close output file: %w", err)
	}
	if _, err := os.Stat(a.finalPath); err == nil {
		os.Remove(a.file.Name())
		return fmt.Errorf("output file %s already exists", a.finalPath)
	}
	if err := os.Rename(a.file.Name(), a.finalPath); err != nil {
		os.Remove(a.file.Name())
		return fmt.Errorf("failed to move output file into place: %w", err)
	}
	return nil
}

// Abort discards the partial output.
func (a *Assembler) Abort() {
	a.file.Close()
	os.Remove(a.file.Name())
}

// Keep closes the temp file without committing and returns its path, for
// output that cannot be fetched again.
func (a *Assembler) Keep() string {
	a.file.Close()
	return a.file.Name()
}
