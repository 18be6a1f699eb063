// Package media handles local homework artifacts: deciding which files can be
// submitted for grading, collecting them from paths and directories, and
// reading the capture time of photos.
//
// Capture time comes from EXIF (via evanoberholster/imagemeta) with the file
// modification time as fallback. It stands in for the homework date when the
// grading service does not report one.
package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// SupportedExtensions maps the file extensions accepted by the grading
// service to their MIME types.
var SupportedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".pdf":  "application/pdf",
}

// exifExtensions are the formats imagemeta can read a capture date from.
var exifExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".heic": true, ".heif": true,
}

// File is a homework artifact on local disk.
type File struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	MIMEType   string    `json:"mimeType"`
	Size       int64     `json:"size"`
	CapturedAt time.Time `json:"capturedAt"`
}

// IsSupported reports whether ext (with leading dot) can be submitted.
func IsSupported(ext string) bool {
	_, ok := SupportedExtensions[strings.ToLower(ext)]
	return ok
}

// Load stats a file and returns its File description.
func Load(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	mimeType, ok := SupportedExtensions[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file type %q: %s", ext, path)
	}

	f := &File{
		Path:       path,
		Name:       filepath.Base(path),
		MIMEType:   mimeType,
		Size:       info.Size(),
		CapturedAt: info.ModTime(),
	}

	if exifExtensions[ext] {
		if taken, err := captureTime(path); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("No EXIF capture time, using modification time")
		} else if !taken.IsZero() {
			f.CapturedAt = taken
		}
	}
	return f, nil
}

// Open opens the file for reading.
func (f *File) Open() (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// captureTime reads the EXIF capture time.
// Priority: DateTimeOriginal > CreateDate > ModifyDate.
func captureTime(path string) (time.Time, error) {
	file, err := os.Open(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	exifData, err := imagemeta.Decode(file)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	switch {
	case !exifData.DateTimeOriginal().IsZero():
		return exifData.DateTimeOriginal(), nil
	case !exifData.CreateDate().IsZero():
		return exifData.CreateDate(), nil
	default:
		return exifData.ModifyDate(), nil
	}
}
