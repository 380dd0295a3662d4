// Package ubootenv reads and writes U-Boot environment blocks and translates
// the default boot command to and from a list of boot devices.
package ubootenv

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sort"
	"strings"

	"github.com/fly-io/fabricfw/pkg/errors"
)

// DefaultSize is the size of an environment block on the controller.
const DefaultSize = 8192

// BootCommandVar is the variable holding the default boot command.
const BootCommandVar = "bootcmd_default"

// Parse decodes an environment block. The leading checksum is not validated.
func Parse(b []byte) map[string]string {
	vars := make(map[string]string)
	if len(b) <= crc32.Size {
		return vars
	}
	content := bytes.TrimRight(b[crc32.Size:], "\x00\xff")
	for _, entry := range bytes.Split(content, []byte{0}) {
		if len(entry) == 0 {
			continue
		}
		key, value, _ := strings.Cut(string(entry), "=")
		vars[key] = value
	}
	return vars
}

// Valid reports whether the checksum of an environment block matches its contents.
func Valid(b []byte) bool {
	if len(b) <= crc32.Size {
		return false
	}
	return binary.LittleEndian.Uint32(b) == crc32.ChecksumIEEE(b[crc32.Size:])
}

// Serialize encodes vars into a block of size bytes, keys sorted.
func Serialize(vars map[string]string, size int) ([]byte, error) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var content bytes.Buffer
	for _, k := range keys {
		content.WriteString(k)
		content.WriteByte('=')
		content.WriteString(vars[k])
		content.WriteByte(0)
	}
	content.WriteByte(0)

	if content.Len() > size-crc32.Size {
		return nil, errors.Newf(errors.ErrEnvironmentTooLarge,
			"%d bytes of variables do not fit in a %d byte environment", content.Len(), size)
	}

	out := make([]byte, size)
	n := copy(out[crc32.Size:], content.Bytes())
	for i := crc32.Size + n; i < size; i++ {
		out[i] = 0xFF
	}
	binary.LittleEndian.PutUint32(out, crc32.ChecksumIEEE(out[crc32.Size:]))
	return out, nil
}
