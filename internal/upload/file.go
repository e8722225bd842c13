package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is the local content of one upload.
type File struct {
	Name    string
	Size    int64
	Content io.ReaderAt
}

// Open opens a local file for upload. The caller closes the returned closer.
func Open(path string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return File{}, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return File{}, nil, fmt.Errorf("%s is a directory", path)
	}
	return File{Name: filepath.Base(path), Size: info.Size(), Content: f}, f, nil
}

// planParts returns the part size and count for a file. Files that would need
// more than MaxParts parts get a larger part size.
func planParts(size, partSize int64) (int64, int, error) {
	if size < 0 {
		return 0, 0, fmt.Errorf("negative file size %d", size)
	}
	if partSize < MinPartSize {
		partSize = MinPartSize
	}
	if size > partSize*MaxParts {
		partSize = (size + MaxParts - 1) / MaxParts
		// Round up to a whole MiB.
		partSize = (partSize + (1 << 20) - 1) &^ ((1 << 20) - 1)
	}
	if partSize > MaxPartSize {
		return 0, 0, fmt.Errorf("file of %d bytes exceeds %d parts of %d bytes", size, MaxParts, MaxPartSize)
	}
	count := int((size + partSize - 1) / partSize)
	if count < 1 {
		count = 1
	}
	return partSize, count, nil
}

// partRange returns the offset and length of part n (1-based).
func partRange(n int, partSize, size int64) (int64, int64) {
	off := int64(n-1) * partSize
	length := partSize
	if off+length > size {
		length = size - off
	}
	if length < 0 {
		length = 0
	}
	return off, length
}
