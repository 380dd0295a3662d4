package fleet

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/fly-io/fabricfw/pkg/transport"
)

// maxRange bounds a single address range.
const maxRange = 4096

// ParseHosts expands a host list. Entries are separated by commas or
// whitespace. An entry is a single address or hostname, or an IPv4 range
// written "10.0.0.1-10.0.0.20" or "10.0.0.1-20". Repeats are dropped.
func ParseHosts(specs ...string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(h string) {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}

	for _, spec := range specs {
		entries := strings.FieldsFunc(spec, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		})
		for _, entry := range entries {
			start, end, isRange := strings.Cut(entry, "-")
			if addr, err := netip.ParseAddr(start); !isRange || err != nil || !addr.Is4() {
				// A hostname, possibly containing dashes.
				add(entry)
				continue
			}
			hosts, err := expandRange(start, end)
			if err != nil {
				return nil, fmt.Errorf("host range %q: %w", entry, err)
			}
			for _, h := range hosts {
				add(h)
			}
		}
	}
	return out, nil
}

func expandRange(start, end string) ([]string, error) {
	first, err := netip.ParseAddr(start)
	if err != nil || !first.Is4() {
		return nil, fmt.Errorf("bad start address %q", start)
	}
	if !strings.Contains(end, ".") {
		// Shorthand: only the last octet.
		octets := strings.Split(start, ".")
		octets[3] = end
		end = strings.Join(octets, ".")
	}
	last, err := netip.ParseAddr(end)
	if err != nil || !last.Is4() {
		return nil, fmt.Errorf("bad end address %q", end)
	}

	a, b := ip4(first), ip4(last)
	if b < a {
		return nil, fmt.Errorf("end precedes start")
	}
	if b-a >= maxRange {
		return nil, fmt.Errorf("%d addresses exceeds the limit of %d", b-a+1, maxRange)
	}

	out := make([]string, 0, b-a+1)
	for n := a; ; n++ {
		var raw [4]byte
		binary.BigEndian.PutUint32(raw[:], n)
		out = append(out, netip.AddrFrom4(raw).String())
		if n == b {
			break
		}
	}
	return out, nil
}

func ip4(a netip.Addr) uint32 {
	raw := a.As4()
	return binary.BigEndian.Uint32(raw[:])
}

// FabricNodes returns the address of every node on the fabric that first
// belongs to, as reported by first's controller.
func FabricNodes(ctx context.Context, first transport.Node) ([]string, error) {
	addrs, err := first.FabricAddresses(ctx)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return []string{first.Address()}, nil
	}
	return addrs, nil
}
