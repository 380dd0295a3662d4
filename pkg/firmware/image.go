// Package firmware loads firmware packages: a set of typed images plus the
// package-level version metadata written to nodes after an update.
package firmware

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/simg"
)

// Image is one firmware image destined for partitions of Type.
type Image struct {
	Name    string
	Type    partition.Type
	Data    []byte
	Version string
	// DestAddr overrides the target partition's load address when set.
	DestAddr *uint32
	// SkipCRC leaves the container checksum empty.
	SkipCRC bool
}

// ReadImage reads a single image file.
func ReadImage(path string, typ partition.Type) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image")
	}
	return NewImage(filepath.Base(path), typ, data)
}

// NewImage wraps data as an image of typ.
func NewImage(name string, typ partition.Type, data []byte) (*Image, error) {
	if typ == "" {
		return nil, fmt.Errorf("image %s has no type", name)
	}
	return &Image{Name: name, Type: typ, Data: data}, nil
}

// Containerized reports whether the data already carries a SIMG header.
func (i *Image) Containerized() bool {
	return simg.HasContainer(i.Data)
}

// Size is the payload size before any container is added.
func (i *Image) Size() int {
	return len(i.Data)
}

// Validate checks that an already containerized image has a sound header.
func (i *Image) Validate() error {
	if !i.Containerized() {
		return nil
	}
	if _, _, err := simg.Decode(i.Data); err != nil {
		return errors.Wrap(err, "image "+i.Name)
	}
	return nil
}

func (i *Image) String() string {
	return fmt.Sprintf("%s (%s)", i.Name, i.Type)
}
