// Package security guards firmware package archives against hostile contents.
package security

import (
	"archive/tar"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
)

// Validator enforces per-entry and per-archive limits while a package archive
// is unpacked. One Validator tracks one archive at a time; call Reset between
// archives.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu        sync.Mutex
	extracted int64
	entries   int
}

// NewValidator creates a validator with the given limits.
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Debug("archive_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidatePath rejects absolute and escaping entry names.
func (v *Validator) ValidatePath(name string) error {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		slog.Error("archive_path_rejected", "path", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("archive_path_rejected", "path", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}
	return nil
}

// ValidateEntry checks one archive header. Directories pass; links, devices
// and other special files are refused since a package only carries images and
// its manifest.
func (v *Validator) ValidateEntry(hdr *tar.Header) error {
	if err := v.ValidatePath(hdr.Name); err != nil {
		return err
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return nil
	case tar.TypeReg:
	default:
		slog.Error("archive_entry_rejected", "path", hdr.Name, "type", string(hdr.Typeflag))
		return fmt.Errorf("security: unsupported entry type %q for %s", hdr.Typeflag, hdr.Name)
	}
	if err := v.ValidateFileSize(hdr.Size); err != nil {
		return err
	}
	return v.AddExtractedSize(hdr.Size)
}

// ValidateFileSize checks a single file against the per-file limit.
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("archive_file_too_large",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddExtractedSize tracks the running total and checks it against the limit.
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.extracted += size
	v.entries++

	if v.extracted > v.maxTotalSize {
		slog.Error("archive_total_too_large",
			"current_total_mb", v.extracted/1024/1024,
			"max_total_mb", v.maxTotalSize/1024/1024)
		return fmt.Errorf("security: total extracted size %d exceeds max %d", v.extracted, v.maxTotalSize)
	}
	return nil
}

// ValidateCompressionRatio rejects archives that expand suspiciously.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		return fmt.Errorf("security: compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("archive_compression_bomb",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed_bytes", compressedSize,
			"uncompressed_bytes", uncompressedSize)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.maxCompressionRatio, compressedSize, uncompressedSize)
	}
	return nil
}

// MaxFileSize returns the per-file limit.
func (v *Validator) MaxFileSize() int64 { return v.maxFileSize }

// MaxTotalSize returns the limit on the bytes of one package.
func (v *Validator) MaxTotalSize() int64 { return v.maxTotalSize }

// Reset clears the running totals.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.extracted = 0
	v.entries = 0
}

// Extracted returns the bytes and regular files accepted since the last Reset.
func (v *Validator) Extracted() (int64, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.extracted, v.entries
}
