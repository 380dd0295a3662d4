package firmware

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/security"
	"go.yaml.in/yaml/v3"
)

// ManifestName is the manifest file inside a package directory or archive.
const ManifestName = "manifest.yaml"

// Package is a set of images updated together.
type Package struct {
	Images []*Image
	// FirmwareVersion is recorded on each node after all images succeed.
	FirmwareVersion string
	// RequiredControllerVersion is the minimum controller version.
	RequiredControllerVersion string
	Config                    string
}

type manifest struct {
	Package struct {
		RequiredControllerVersion string `yaml:"required_controller_version"`
		FirmwareVersion           string `yaml:"firmware_version"`
		Config                    string `yaml:"config"`
	} `yaml:"package"`
	Images []struct {
		File     string  `yaml:"file"`
		Type     string  `yaml:"type"`
		Version  string  `yaml:"version"`
		DestAddr *uint32 `yaml:"daddr"`
		SkipCRC  bool    `yaml:"skip_crc32"`
		SIMG     bool    `yaml:"simg"`
	} `yaml:"images"`
}

// NewPackage builds a package around images that have no manifest.
func NewPackage(images ...*Image) *Package {
	return &Package{Images: images}
}

// Types returns the distinct image types in package order.
func (p *Package) Types() []partition.Type {
	seen := make(map[partition.Type]bool)
	var types []partition.Type
	for _, img := range p.Images {
		if !seen[img.Type] {
			seen[img.Type] = true
			types = append(types, img.Type)
		}
	}
	return types
}

// Compatible reports whether a controller at version can take this package.
func (p *Package) Compatible(controllerVersion string) bool {
	if p.RequiredControllerVersion == "" {
		return true
	}
	return partition.CompareVersions(controllerVersion, p.RequiredControllerVersion) >= 0
}

// LoadOptions control how archives are unpacked.
type LoadOptions struct {
	// WorkDir receives extracted archives.
	WorkDir   string
	Validator *security.Validator
	// ImageType, when set, lets a bare image file load as a one-image package.
	ImageType partition.Type
}

// LoadPackage loads a package directory, a .tar, .tar.gz or .tgz archive, or
// a single image file when opts.ImageType is set.
func LoadPackage(ctx context.Context, path string, opts LoadOptions) (*Package, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat package")
	}
	if fi.IsDir() {
		return LoadDir(path)
	}
	if !isArchive(path) {
		if opts.ImageType == "" {
			return nil, fmt.Errorf("%s is neither a package directory nor an archive; give an image type to load it as an image", path)
		}
		img, err := ReadImage(path, partition.Type(strings.ToUpper(string(opts.ImageType))))
		if err != nil {
			return nil, err
		}
		if err := img.Validate(); err != nil {
			return nil, err
		}
		return NewPackage(img), nil
	}
	if opts.Validator == nil {
		return nil, fmt.Errorf("archive packages need a validator")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create work dir")
	}
	dir, err := os.MkdirTemp(opts.WorkDir, "package-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create extract dir")
	}
	defer os.RemoveAll(dir)

	slog.Info("package_extract_start", "archive", path, "extract_dir", dir)
	if err := ExtractArchive(path, dir, opts.Validator); err != nil {
		slog.Error("package_extract_failed", "archive", path, "error", err)
		return nil, errors.Wrap(err, "failed to extract package")
	}
	return LoadDir(dir)
}

// LoadDir loads a directory holding manifest.yaml and the image files it names.
func LoadDir(dir string) (*Package, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest")
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "failed to parse manifest")
	}
	if len(m.Images) == 0 {
		return nil, fmt.Errorf("manifest lists no images")
	}

	pkg := &Package{
		FirmwareVersion:           m.Package.FirmwareVersion,
		RequiredControllerVersion: m.Package.RequiredControllerVersion,
		Config:                    m.Package.Config,
	}
	for _, entry := range m.Images {
		if entry.File == "" || filepath.IsAbs(entry.File) || strings.HasPrefix(filepath.Clean(entry.File), "..") {
			return nil, fmt.Errorf("manifest image file %q is invalid", entry.File)
		}
		img, err := ReadImage(filepath.Join(dir, entry.File), partition.Type(strings.ToUpper(entry.Type)))
		if err != nil {
			return nil, err
		}
		img.Version = entry.Version
		img.DestAddr = entry.DestAddr
		img.SkipCRC = entry.SkipCRC
		if entry.SIMG && !img.Containerized() {
			return nil, errors.Newf(errors.ErrInvalidContainer, "%s is declared as SIMG but has no header", entry.File)
		}
		if err := img.Validate(); err != nil {
			return nil, err
		}
		pkg.Images = append(pkg.Images, img)
	}

	slog.Info("package_loaded", "dir", dir, "images", len(pkg.Images), "firmware_version", pkg.FirmwareVersion)
	return pkg, nil
}

func isArchive(path string) bool {
	for _, ext := range []string{".tar", ".tar.gz", ".tgz"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// ExtractArchive unpacks a (possibly gzipped) tar archive into destDir,
// checking every entry with the validator.
func ExtractArchive(archivePath, destDir string, validator *security.Validator) error {
	validator.Reset()

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(archivePath, ".gz") || strings.HasSuffix(archivePath, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip read error: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}
		if err := validator.ValidateEntry(hdr); err != nil {
			return err
		}

		target := filepath.Join(destDir, hdr.Name)
		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir: %w", err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
		// Entry sizes are already bounded by the validator.
		if _, err := io.CopyN(out, tr, hdr.Size); err != nil {
			out.Close()
			return fmt.Errorf("failed to write file: %w", err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
	}

	fi, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	total, _ := validator.Extracted()
	return validator.ValidateCompressionRatio(fi.Size(), total)
}
