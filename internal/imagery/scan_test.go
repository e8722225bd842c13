package imagery

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestIsSupported(t *testing.T) {
	tests := []struct {
		ext      string
		expected bool
	}{
		{".jpg", true},
		{".JPG", true},
		{".jpeg", true},
		{".tif", true},
		{".TIFF", true},
		{".dng", true},
		{".png", false},
		{".mp4", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			if got := IsSupported(tt.ext); got != tt.expected {
				t.Errorf("IsSupported(%q) = %v, want %v", tt.ext, got, tt.expected)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType("DJI_0001.JPG"); got != "image/jpeg" {
		t.Errorf("ContentType(DJI_0001.JPG) = %s", got)
	}
	if got := ContentType("notes.txt"); got != "application/octet-stream" {
		t.Errorf("ContentType(notes.txt) = %s", got)
	}
}

func TestScanDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.JPG"), []byte("bbbb"))
	writeFile(t, filepath.Join(dir, "a.jpg"), []byte("aa"))
	writeFile(t, filepath.Join(dir, "readme.txt"), []byte("skip"))
	writeFile(t, filepath.Join(dir, "flight2", "c.tif"), []byte("ccc"))

	images, err := ScanDirectory(dir, ScanOptions{})
	if err != nil {
		t.Fatalf("ScanDirectory: %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(images))
	}
	wantNames := []string{"a.jpg", "b.JPG", "c.tif"}
	for i, img := range images {
		if img.Name != wantNames[i] {
			t.Errorf("images[%d].Name = %s, want %s", i, img.Name, wantNames[i])
		}
	}
	if images[1].Size != 4 {
		t.Errorf("b.JPG size = %d, want 4", images[1].Size)
	}
	if images[2].ContentType != "image/tiff" {
		t.Errorf("c.tif content type = %s", images[2].ContentType)
	}
	if !images[0].ExifOK() {
		t.Error("ExifOK should be true when the check did not run")
	}
}

func TestScanDirectoryDepthAndLimit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "top.jpg"), []byte("x"))
	writeFile(t, filepath.Join(dir, "nested", "deep.jpg"), []byte("x"))

	images, err := ScanDirectory(dir, ScanOptions{MaxDepth: 1})
	if err != nil {
		t.Fatalf("ScanDirectory: %v", err)
	}
	if len(images) != 1 || images[0].Name != "top.jpg" {
		t.Errorf("MaxDepth=1 should return only top.jpg, got %d images", len(images))
	}

	images, err = ScanDirectory(dir, ScanOptions{Limit: 1})
	if err != nil {
		t.Fatalf("ScanDirectory: %v", err)
	}
	if len(images) != 1 {
		t.Errorf("Limit=1 returned %d images", len(images))
	}
}

func TestScanDirectoryExifPreflight(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "garbage.jpg"), []byte("not a jpeg at all"))

	images, err := ScanDirectory(dir, ScanOptions{ReadExif: true})
	if err != nil {
		t.Fatalf("ScanDirectory: %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(images))
	}
	if images[0].ExifOK() {
		t.Error("image without EXIF should fail the pre-flight check")
	}
}

func TestScanDirectoryErrors(t *testing.T) {
	if _, err := ScanDirectory(filepath.Join(t.TempDir(), "missing"), ScanOptions{}); err == nil {
		t.Error("expected error for missing directory")
	}

	file := filepath.Join(t.TempDir(), "file.jpg")
	writeFile(t, file, []byte("x"))
	if _, err := ScanDirectory(file, ScanOptions{}); err == nil {
		t.Error("expected error for non-directory path")
	}
}

func TestDuplicateNamesAcrossFlightFolders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "flight-01", "DJI_0001.JPG"), []byte("first flight"))
	writeFile(t, filepath.Join(dir, "flight-02", "DJI_0001.JPG"), []byte("second flight"))
	writeFile(t, filepath.Join(dir, "flight-02", "DJI_0002.JPG"), []byte("unique"))

	images, err := ScanDirectory(dir, ScanOptions{})
	if err != nil {
		t.Fatalf("ScanDirectory: %v", err)
	}
	dups := DuplicateNames(images)
	if len(dups) != 1 {
		t.Fatalf("expected one repeated name, got %v", dups)
	}
	paths := dups["DJI_0001.JPG"]
	if len(paths) != 2 || paths[0] == paths[1] {
		t.Errorf("DJI_0001.JPG paths = %v", paths)
	}

	if got := DuplicateNames(images[2:]); len(got) != 0 {
		t.Errorf("distinct names reported as duplicates: %v", got)
	}
}
