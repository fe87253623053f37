package webserver

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"slices"
	"strings"

	"printdesk/internal/slicer"
)

const (
	// MaxFileSize limits uploaded model size to 200MB
	MaxFileSize = 200 * 1024 * 1024
	// MaxFormSize limits in-memory form data to 10MB
	MaxFormSize = 10 * 1024 * 1024
	// MaxBodySize limits JSON request bodies
	MaxBodySize = 64 * 1024
	// MaxFlags limits the number of extra slicer flags per request
	MaxFlags = 32
)

// SliceOptions are the slicer options a client may set, as --name or --name=value.
// Anything that names files, directories, profiles or post-processing stays server side.
var SliceOptions = map[string]bool{
	"--layer-height":                true,
	"--first-layer-height":          true,
	"--perimeters":                  true,
	"--top-solid-layers":            true,
	"--bottom-solid-layers":         true,
	"--fill-density":                true,
	"--fill-pattern":                true,
	"--infill-every-layers":         true,
	"--support-material":            true,
	"--support-material-auto":       true,
	"--support-material-threshold":  true,
	"--brim-width":                  true,
	"--skirts":                      true,
	"--skirt-distance":              true,
	"--nozzle-diameter":             true,
	"--filament-diameter":           true,
	"--temperature":                 true,
	"--first-layer-temperature":     true,
	"--bed-temperature":             true,
	"--first-layer-bed-temperature": true,
	"--perimeter-speed":             true,
	"--infill-speed":                true,
	"--travel-speed":                true,
	"--first-layer-speed":           true,
	"--scale":                       true,
	"--rotate":                      true,
	"--center":                      true,
}

// ValidateModelUpload validates an uploaded 3D model before it is written to disk
func ValidateModelUpload(file multipart.File, header *multipart.FileHeader) error {
	if strings.TrimSpace(header.Filename) == "" {
		return fmt.Errorf("%w: filename cannot be empty", ErrInvalidUpload)
	}

	if header.Size > MaxFileSize {
		return fmt.Errorf("%w: file too large: %d bytes (max %d)", ErrInvalidUpload, header.Size, MaxFileSize)
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !slicer.ModelExtensions[ext] {
		return fmt.Errorf("%w: invalid file type %q (allowed: %s)", ErrInvalidUpload, ext, strings.Join(allowedExtensions(), ", "))
	}

	if strings.Contains(header.Filename, "..") || strings.ContainsAny(header.Filename, `/\`) {
		return fmt.Errorf("%w: filename contains path traversal characters", ErrInvalidUpload)
	}

	buffer := make([]byte, 512)

	n, err := io.ReadFull(file, buffer)
	if n == 0 {
		return fmt.Errorf("%w: file is empty", ErrInvalidUpload)
	}

	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: cannot read file content: %w", ErrInvalidUpload, err)
	}

	_, err = file.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("%w: cannot rewind upload: %w", ErrInvalidUpload, err)
	}

	// 3MF is a zip container
	if ext == ".3mf" && !bytes.HasPrefix(buffer[:n], []byte("PK\x03\x04")) {
		return fmt.Errorf("%w: not a valid 3MF archive", ErrInvalidUpload)
	}

	return nil
}

// ValidateSliceFlags checks the extra CLI flags a client asked for.
// Each one must be a known slice option with its value attached by "=".
func ValidateSliceFlags(flags []string) error {
	if len(flags) > MaxFlags {
		return fmt.Errorf("%w: too many slicer flags: %d (max %d)", ErrInvalidRequest, len(flags), MaxFlags)
	}

	for i, f := range flags {
		if strings.ContainsAny(f, "\x00\r\n") {
			return fmt.Errorf("%w: slicer flag %d contains control characters", ErrInvalidRequest, i)
		}

		if !strings.HasPrefix(f, "--") {
			return fmt.Errorf("%w: slicer flag %q must have the form --name=value", ErrInvalidRequest, f)
		}

		name, _, _ := strings.Cut(f, "=")
		if !SliceOptions[name] {
			return fmt.Errorf("%w: slicer flag %s is not allowed", ErrInvalidRequest, name)
		}
	}

	return nil
}

// SanitizeFilename sanitizes filenames to prevent issues
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"/", "", "\\", "", "..", "", ":", "", "*", "",
		"?", "", "<", "", ">", "", "|", "", "\"", "",
	)

	filename = strings.TrimSpace(replacer.Replace(filename))

	if filename == "" {
		filename = "upload"
	}

	return filename
}

// ValidateNumericInput validates numeric input within bounds
func ValidateNumericInput(value, min, max int64, fieldName string) error {
	if value < min {
		return fmt.Errorf("%w: %s must be at least %d", ErrInvalidRequest, fieldName, min)
	}

	if value > max {
		return fmt.Errorf("%w: %s must be at most %d", ErrInvalidRequest, fieldName, max)
	}

	return nil
}

func allowedExtensions() []string {
	exts := make([]string, 0, len(slicer.ModelExtensions))
	for ext := range slicer.ModelExtensions {
		exts = append(exts, ext)
	}

	slices.Sort(exts)

	return exts
}
