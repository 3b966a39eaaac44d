package chunker

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Chunk is one contiguous slice of the source file.
type Chunk struct {
	Index int
	Total int
	Data  []byte
}

// Count returns how many chunks a file of size bytes splits into. An empty
// file is still sent as a single empty chunk.
func Count(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// Split reads filePath in chunkSize slices and hands them to fn in index
// order. The Data slice is reused between calls; fn must not retain it.
func Split(filePath string, chunkSize int64, fn func(Chunk) error) error {
	if chunkSize <= 0 {
		return fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	return SplitReader(file, fileInfo.Size(), chunkSize, fn)
}

// SplitReader is Split over an arbitrary reader of known size.
func SplitReader(r io.Reader, size, chunkSize int64, fn func(Chunk) error) error {
	total := Count(size, chunkSize)
	buf := make([]byte, chunkSize)

	for index := 0; index < total; index++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("failed to read chunk %d: %w", index, err)
		}
		if n == 0 && index > 0 {
			return fmt.Errorf("source shrank: chunk %d of %d is empty", index, total)
		}
		if err := fn(Chunk{Index: index, Total: total, Data: buf[:n]}); err != nil {
			return err
		}
	}
	return nil
}
