package imagery

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// ExifInfo is the subset of EXIF the server-side classifier keys on.
// Images without GPS come back from the classifier as invalid_exif.
type ExifInfo struct {
	Latitude  float64
	Longitude float64
	HasGPS    bool

	CapturedAt  time.Time
	HasCapture  bool
	CameraMake  string
	CameraModel string
}

// ReadExif decodes EXIF metadata from a drone image. Only the metadata
// blocks are read, not the pixel data.
func ReadExif(path string) (*ExifInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	exifData, err := imagemeta.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode EXIF: %w", err)
	}

	info := &ExifInfo{
		CameraMake:  strings.TrimSpace(exifData.Make),
		CameraModel: strings.TrimSpace(exifData.Model),
	}

	gps := exifData.GPS
	if gps.Latitude() != 0 || gps.Longitude() != 0 {
		info.Latitude = gps.Latitude()
		info.Longitude = gps.Longitude()
		info.HasGPS = true
	}

	// DateTimeOriginal > CreateDate > ModifyDate
	switch {
	case !exifData.DateTimeOriginal().IsZero():
		info.CapturedAt = exifData.DateTimeOriginal()
		info.HasCapture = true
	case !exifData.CreateDate().IsZero():
		info.CapturedAt = exifData.CreateDate()
		info.HasCapture = true
	case !exifData.ModifyDate().IsZero():
		info.CapturedAt = exifData.ModifyDate()
		info.HasCapture = true
	}

	log.Debug().
		Str("path", path).
		Bool("has_gps", info.HasGPS).
		Bool("has_capture", info.HasCapture).
		Msg("EXIF read")

	return info, nil
}
