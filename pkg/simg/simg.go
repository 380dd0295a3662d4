// Package simg encodes and decodes SIMG containers: a fixed little-endian header
// carrying placement metadata and a CRC32, followed by a raw firmware image.
package simg

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/fly-io/fabricfw/pkg/errors"
)

// Magic identifies a SIMG container.
const Magic = "SIMG"

const (
	// HeaderLength is the size of a format 2 header.
	HeaderLength = 60
	// MinHeaderLength is the size of a format 0/1 header, which has no version string.
	MinHeaderLength = 28
	// VersionLength is the fixed width of the version field.
	VersionLength = 32
	// CurrentFormat is the header format written by Encode.
	CurrentFormat = 2
	// AlignedOffset is the image offset used for images that require page alignment.
	AlignedOffset = 4096
	// FlagsUnactivated marks a container that has not been activated by the controller.
	FlagsUnactivated = 0xFFFFFFFF

	crcOffset = 24
)

// Header is the metadata at the start of a container.
type Header struct {
	Format      uint16
	Priority    uint16
	ImageOffset uint32
	ImageLength uint32
	DestAddr    uint32
	Flags       uint32
	CRC32       uint32
	// Version is only present in format 2 and later headers.
	Version string
}

// Length returns the number of header bytes defined by the header format.
func (h Header) Length() int {
	if h.Format >= 2 {
		return HeaderLength
	}
	return MinHeaderLength
}

// Options control container creation.
type Options struct {
	Priority   uint16
	DestAddr   uint32
	Version    string
	ComputeCRC bool
	// Align places the image at AlignedOffset instead of directly after the header.
	Align bool
}

// Encode wraps payload in a SIMG container.
func Encode(payload []byte, opts Options) []byte {
	h := Header{
		Format:      CurrentFormat,
		Priority:    opts.Priority,
		ImageOffset: HeaderLength,
		ImageLength: uint32(len(payload)),
		DestAddr:    opts.DestAddr,
		Flags:       FlagsUnactivated,
		Version:     opts.Version,
	}
	if opts.Align {
		h.ImageOffset = AlignedOffset
	}

	out := make([]byte, int(h.ImageOffset)+len(payload))
	h.marshal(out[:HeaderLength])
	copy(out[h.ImageOffset:], payload)

	if opts.ComputeCRC {
		h.CRC32 = checksum(out[:HeaderLength], payload)
		binary.LittleEndian.PutUint32(out[crcOffset:], h.CRC32)
	}
	return out
}

// HasContainer reports whether b starts with a SIMG header. It does not
// validate the length or checksum.
func HasContainer(b []byte) bool {
	return len(b) >= MinHeaderLength && string(b[:4]) == Magic
}

// ParseHeader reads the header at the start of b without validating the payload.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < MinHeaderLength {
		return Header{}, errors.Newf(errors.ErrInvalidContainer, "%d bytes is shorter than the minimum header", len(b))
	}
	if string(b[:4]) != Magic {
		return Header{}, errors.Newf(errors.ErrInvalidContainer, "bad magic %q", b[:4])
	}

	h := Header{
		Format:      binary.LittleEndian.Uint16(b[4:]),
		Priority:    binary.LittleEndian.Uint16(b[6:]),
		ImageOffset: binary.LittleEndian.Uint32(b[8:]),
		ImageLength: binary.LittleEndian.Uint32(b[12:]),
		DestAddr:    binary.LittleEndian.Uint32(b[16:]),
		Flags:       binary.LittleEndian.Uint32(b[20:]),
		CRC32:       binary.LittleEndian.Uint32(b[24:]),
	}
	if h.Format >= 2 {
		if len(b) < HeaderLength {
			return Header{}, errors.Newf(errors.ErrInvalidContainer, "format %d header truncated at %d bytes", h.Format, len(b))
		}
		h.Version = string(bytes.TrimRight(b[28:HeaderLength], "\x00"))
	}
	if int(h.ImageOffset) < h.Length() {
		return Header{}, errors.Newf(errors.ErrInvalidContainer, "image offset %d overlaps the header", h.ImageOffset)
	}
	return h, nil
}

// Decode validates a container and returns its header and payload. A zero CRC
// field disables checksum validation.
func Decode(b []byte) (Header, []byte, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Header{}, nil, err
	}

	end := uint64(h.ImageOffset) + uint64(h.ImageLength)
	if end > uint64(len(b)) {
		return Header{}, nil, errors.Newf(errors.ErrInvalidContainer,
			"declared image ends at %d but only %d bytes are available", end, len(b))
	}
	payload := b[h.ImageOffset:end]

	if h.CRC32 != 0 {
		hdr := make([]byte, h.Length())
		copy(hdr, b[:h.Length()])
		binary.LittleEndian.PutUint32(hdr[crcOffset:], 0)
		if got := checksum(hdr, payload); got != h.CRC32 {
			return Header{}, nil, errors.Newf(errors.ErrInvalidContainer,
				"crc32 mismatch: header %08x, computed %08x", h.CRC32, got)
		}
		// The checksum skips the gap between header and image, so it must be zero.
		for i, c := range b[h.Length():h.ImageOffset] {
			if c != 0 {
				return Header{}, nil, errors.Newf(errors.ErrInvalidContainer,
					"non-zero padding byte at offset %d", h.Length()+i)
			}
		}
	}
	return h, payload, nil
}

// Contents returns the payload of a container checking only the magic and
// length. Controllers rewrite the flags of activated partitions, so images read
// back from a node do not always pass Decode.
func Contents(b []byte) ([]byte, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	end := uint64(h.ImageOffset) + uint64(h.ImageLength)
	if end > uint64(len(b)) {
		return nil, errors.Newf(errors.ErrInvalidContainer,
			"declared image ends at %d but only %d bytes are available", end, len(b))
	}
	return b[h.ImageOffset:end], nil
}

func (h Header) marshal(b []byte) {
	copy(b[:4], Magic)
	binary.LittleEndian.PutUint16(b[4:], h.Format)
	binary.LittleEndian.PutUint16(b[6:], h.Priority)
	binary.LittleEndian.PutUint32(b[8:], h.ImageOffset)
	binary.LittleEndian.PutUint32(b[12:], h.ImageLength)
	binary.LittleEndian.PutUint32(b[16:], h.DestAddr)
	binary.LittleEndian.PutUint32(b[20:], h.Flags)
	binary.LittleEndian.PutUint32(b[24:], h.CRC32)
	if len(b) >= HeaderLength {
		v := []byte(h.Version)
		if len(v) > VersionLength {
			v = v[:VersionLength]
		}
		copy(b[28:HeaderLength], v)
	}
}

func checksum(header, payload []byte) uint32 {
	crc := crc32.ChecksumIEEE(header)
	return crc32.Update(crc, crc32.IEEETable, payload)
}
