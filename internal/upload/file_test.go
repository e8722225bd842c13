package upload

import (
	"os"
	"testing"
)

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func TestPartRange(t *testing.T) {
	tests := []struct {
		n          int
		size       int64
		wantOff    int64
		wantLength int64
	}{
		{1, 12, 0, 5},
		{2, 12, 5, 5},
		{3, 12, 10, 2},
		{1, 0, 0, 0},
	}
	for _, tt := range tests {
		off, length := partRange(tt.n, 5, tt.size)
		if off != tt.wantOff || length != tt.wantLength {
			t.Errorf("partRange(%d, 5, %d) = %d,%d want %d,%d", tt.n, tt.size, off, length, tt.wantOff, tt.wantLength)
		}
	}
}
