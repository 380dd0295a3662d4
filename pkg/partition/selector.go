package partition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/fly-io/fabricfw/pkg/errors"
)

// Policy names which partition(s) of a type to target.
type Policy string

const (
	First    Policy = "FIRST"
	Second   Policy = "SECOND"
	Third    Policy = "THIRD"
	Oldest   Policy = "OLDEST"
	Newest   Policy = "NEWEST"
	Active   Policy = "ACTIVE"
	Inactive Policy = "INACTIVE"
	Both     Policy = "BOTH"
)

// Policies lists every policy.
var Policies = []Policy{First, Second, Third, Oldest, Newest, Active, Inactive, Both}

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Policies {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown partition policy %q", s)
}

// MaxPriority is the largest priority a SIMG header can carry.
const MaxPriority = math.MaxUint16

// Select returns the partitions of typ chosen by policy: one partition, or two
// for Both ordered oldest first.
func Select(table Table, typ Type, policy Policy) ([]Partition, error) {
	candidates := table.OfType(typ)
	if len(candidates) == 0 {
		return nil, errors.Newf(errors.ErrNoPartition, "no %s partitions", typ)
	}

	switch policy {
	case First:
		return nth(candidates, typ, 0)
	case Second:
		return nth(candidates, typ, 1)
	case Third:
		return nth(candidates, typ, 2)
	case Oldest:
		return []Partition{extremeVersion(candidates, -1)}, nil
	case Newest:
		return []Partition{extremeVersion(candidates, 1)}, nil
	case Active:
		return []Partition{extremeActivity(candidates, 1)}, nil
	case Inactive:
		return []Partition{extremeActivity(candidates, -1)}, nil
	case Both:
		if len(candidates) < 2 {
			return nil, errors.Newf(errors.ErrNoPartition, "%s has %d partition, %s needs two", typ, len(candidates), policy)
		}
		a, b := candidates[0], candidates[1]
		if older(b, a) {
			a, b = b, a
		}
		return []Partition{a, b}, nil
	default:
		return nil, fmt.Errorf("unknown partition policy %q", policy)
	}
}

// SelectOne is Select for policies that pick a single partition.
func SelectOne(table Table, typ Type, policy Policy) (Partition, error) {
	if policy == Both {
		return Partition{}, fmt.Errorf("policy %s selects two partitions", policy)
	}
	parts, err := Select(table, typ, policy)
	if err != nil {
		return Partition{}, err
	}
	return parts[0], nil
}

// NextPriority returns one more than the highest priority among the
// unprotected partitions of the given types.
func NextPriority(table Table, types ...Type) (uint32, error) {
	found := false
	var highest uint32
	for _, typ := range types {
		for _, p := range table.OfType(typ) {
			found = true
			if p.Protected() {
				continue
			}
			if p.Priority > highest {
				highest = p.Priority
			}
		}
	}
	if !found {
		return 0, errors.Newf(errors.ErrNoPartition, "no partitions of types %v", types)
	}
	if highest >= MaxPriority {
		return 0, errors.Newf(errors.ErrPriorityOverflow, "highest priority %#x cannot be incremented", highest)
	}
	return highest + 1, nil
}

func nth(candidates []Partition, typ Type, n int) ([]Partition, error) {
	if n >= len(candidates) {
		return nil, errors.Newf(errors.ErrNoPartition, "%s has %d partitions, wanted position %d", typ, len(candidates), n+1)
	}
	return []Partition{candidates[n]}, nil
}

// extremeVersion returns the highest (dir > 0) or lowest (dir < 0) version.
// Equal versions resolve to the later partition.
func extremeVersion(candidates []Partition, dir int) Partition {
	best := candidates[0]
	for _, p := range candidates[1:] {
		if c := CompareVersions(p.Version, best.Version); c == 0 || c*dir > 0 {
			best = p
		}
	}
	return best
}

// extremeActivity ranks by in-use, then the protected bit, then priority, then
// position, and returns the most (dir > 0) or least (dir < 0) active partition.
// When no candidate reports in-use, only priority and position count.
func extremeActivity(candidates []Partition, dir int) Partition {
	known := false
	for _, p := range candidates {
		if p.InUse != InUseUnknown {
			known = true
			break
		}
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if c := compareActivity(candidates[i], i, candidates[best], best, known); c*dir > 0 {
			best = i
		}
	}
	return candidates[best]
}

func compareActivity(a Partition, aPos int, b Partition, bPos int, useFlags bool) int {
	if a.InUse != b.InUse {
		return cmpInt(inUseRank(a.InUse), inUseRank(b.InUse))
	}
	if useFlags && a.Protected() != b.Protected() {
		// Unprotected partitions rank as more current.
		if b.Protected() {
			return 1
		}
		return -1
	}
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return 1
		}
		return -1
	}
	// Earlier positions rank as more current.
	return cmpInt(bPos, aPos)
}

func inUseRank(u InUse) int {
	switch u {
	case InUseYes:
		return 2
	case InUseUnknown:
		return 1
	default:
		return 0
	}
}

// older orders the pair returned for Both: lower priority first, then lower version.
func older(a, b Partition) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return CompareVersions(a.Version, b.Version) < 0
}

// CompareVersions compares the numeric components of two version strings,
// e.g. "v1.2.10" > "1.2.9". Non-numeric text is ignored.
func CompareVersions(a, b string) int {
	av, bv := versionNumbers(a), versionNumbers(b)
	for i := 0; i < len(av) || i < len(bv); i++ {
		var x, y uint64
		if i < len(av) {
			x = av[i]
		}
		if i < len(bv) {
			y = bv[i]
		}
		if x != y {
			if x > y {
				return 1
			}
			return -1
		}
	}
	return 0
}

func versionNumbers(s string) []uint64 {
	fields := strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	out := make([]uint64, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			n = math.MaxUint64
		}
		out = append(out, n)
	}
	return out
}

func cmpInt(a, b int) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
