package imagery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// SupportedExtensions maps drone image extensions to their content type.
var SupportedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".dng":  "image/x-adobe-dng",
}

// IsSupported reports whether ext (with leading dot, any case) is a drone image type.
func IsSupported(ext string) bool {
	_, ok := SupportedExtensions[strings.ToLower(ext)]
	return ok
}

// ContentType returns the content type for a file name, defaulting to
// application/octet-stream.
func ContentType(name string) string {
	if ct, ok := SupportedExtensions[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ScanOptions configures directory scanning.
type ScanOptions struct {
	// MaxDepth limits recursion depth. 0 = unlimited, 1 = top-level only.
	MaxDepth int

	// Limit caps the number of images returned. 0 = unlimited.
	Limit int

	// ReadExif enables the EXIF pre-flight check for every image found.
	ReadExif bool
}

// LocalImage is an image file found on disk, ready to be queued for upload.
type LocalImage struct {
	Path        string
	Name        string
	Size        int64
	ContentType string

	Exif    *ExifInfo
	ExifErr error
}

// ExifOK reports whether the pre-flight check found GPS coordinates. It is
// true when the check did not run.
func (l *LocalImage) ExifOK() bool {
	if l.Exif == nil && l.ExifErr == nil {
		return true
	}
	return l.Exif != nil && l.Exif.HasGPS
}

// ScanDirectory walks dirPath for supported drone images. Symlinks to files
// are followed; symlinks to directories are skipped. Results are sorted by path.
func ScanDirectory(dirPath string, opts ScanOptions) ([]*LocalImage, error) {
	log.Info().
		Str("path", dirPath).
		Int("max_depth", opts.MaxDepth).
		Int("limit", opts.Limit).
		Msg("Scanning directory for drone images")

	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", dirPath)
		}
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dirPath)
	}

	absPath, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	baseDepth := strings.Count(absPath, string(os.PathSeparator))

	var images []*LocalImage
	limitReached := false

	err = filepath.WalkDir(absPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path, skipping")
			return nil
		}

		if opts.MaxDepth > 0 && d.IsDir() && path != absPath {
			depth := strings.Count(path, string(os.PathSeparator)) - baseDepth
			if depth >= opts.MaxDepth {
				return fs.SkipDir
			}
		}
		if d.IsDir() {
			return nil
		}

		fi, err := os.Stat(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to stat file, skipping")
			return nil
		}
		if fi.IsDir() {
			log.Debug().Str("path", path).Msg("Skipping symlink to directory")
			return nil
		}

		if !IsSupported(filepath.Ext(d.Name())) {
			return nil
		}

		if opts.Limit > 0 && len(images) >= opts.Limit {
			limitReached = true
			return fs.SkipAll
		}

		img := &LocalImage{
			Path:        path,
			Name:        d.Name(),
			Size:        fi.Size(),
			ContentType: ContentType(d.Name()),
		}
		if opts.ReadExif {
			img.Exif, img.ExifErr = ReadExif(path)
			if img.ExifErr != nil {
				log.Warn().Err(img.ExifErr).Str("file", d.Name()).Msg("EXIF unreadable; server will likely flag invalid_exif")
			}
		}
		images = append(images, img)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Path < images[j].Path
	})

	evt := log.Info().Int("total_images", len(images)).Str("directory", dirPath)
	if limitReached {
		evt = evt.Bool("limit_reached", true)
	}
	evt.Msg("Directory scan complete")

	return images, nil
}

// DuplicateNames groups images that share a file name. Uploads are keyed by
// file name alone, so two such images in one batch would land on the same
// object. The result maps each repeated name to every path carrying it.
func DuplicateNames(images []*LocalImage) map[string][]string {
	byName := make(map[string][]string, len(images))
	for _, img := range images {
		byName[img.Name] = append(byName[img.Name], img.Path)
	}
	dups := make(map[string][]string)
	for name, paths := range byName {
		if len(paths) > 1 {
			dups[name] = paths
		}
	}
	return dups
}
