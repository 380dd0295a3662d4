package transport

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/fly-io/fabricfw/pkg/partition"
)

// ParseFirmwareInfo parses "cxoem fw info" output: one "Key : Value" block per
// partition, blocks separated by blank lines, numeric fields in hex.
func ParseFirmwareInfo(out string) (partition.Table, error) {
	var table partition.Table
	for _, block := range splitBlocks(out) {
		f := fields(block)
		idx, ok := f["Partition"]
		if !ok {
			continue
		}

		var p partition.Partition
		var err error
		if p.Index, err = strconv.Atoi(idx); err != nil {
			return nil, fmt.Errorf("partition %q: bad index", idx)
		}
		p.Type = parseType(f["Type"])
		if p.Type == "" {
			return nil, fmt.Errorf("partition %d: missing type", p.Index)
		}

		for key, dst := range map[string]*uint32{
			"Offset":   &p.Offset,
			"Size":     &p.Size,
			"Priority": &p.Priority,
			"Daddr":    &p.DestAddr,
			"Flags":    &p.Flags,
		} {
			v, ok := f[key]
			if !ok {
				continue
			}
			if *dst, err = parseHex(v); err != nil {
				return nil, fmt.Errorf("partition %d: %s: %w", p.Index, key, err)
			}
		}

		p.Version = f["Version"]
		p.InUse = parseInUse(f["In Use"])
		table = append(table, p)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("no partitions in firmware info")
	}
	return table, nil
}

// ParseHandle extracts the transfer handle from "fw put/get" output, or "".
func ParseHandle(out string) string {
	return fields(out)["TFTP Handle ID"]
}

// ParseCheck reports whether "fw check" output shows a clean CRC.
func ParseCheck(out string) bool {
	v, ok := fields(out)["Error"]
	if !ok {
		return false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 32)
	return err == nil && n == 0
}

// ParseIPInfo parses "Node N: a.b.c.d" lines, returning addresses by node id.
func ParseIPInfo(out string) []string {
	byNode := make(map[int]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "Node")))
		if err != nil {
			continue
		}
		addr := strings.TrimSpace(value)
		if net.ParseIP(addr) == nil {
			continue
		}
		byNode[id] = addr
	}

	ids := make([]int, 0, len(byNode))
	for id := range byNode {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	addrs := make([]string, 0, len(ids))
	for _, id := range ids {
		addrs = append(addrs, byNode[id])
	}
	return addrs
}

func splitBlocks(out string) []string {
	var blocks []string
	var cur []string
	for _, line := range strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				blocks = append(blocks, strings.Join(cur, "\n"))
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		blocks = append(blocks, strings.Join(cur, "\n"))
	}
	return blocks
}

// parseType accepts "02 (S2_ELF)" or a bare name.
func parseType(v string) partition.Type {
	if open := strings.Index(v, "("); open >= 0 {
		if end := strings.Index(v[open:], ")"); end > 0 {
			return partition.Type(strings.TrimSpace(v[open+1 : open+end]))
		}
	}
	return partition.Type(strings.ToUpper(strings.TrimSpace(v)))
}

func parseHex(v string) (uint32, error) {
	v = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "0x")
	n, err := strconv.ParseUint(v, 16, 32)
	return uint32(n), err
}

func parseInUse(v string) partition.InUse {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1":
		return partition.InUseYes
	case "no", "false", "0":
		return partition.InUseNo
	default:
		return partition.InUseUnknown
	}
}
