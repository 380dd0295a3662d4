// Package partition models the firmware partition table reported by a node and
// selects the partitions an update should target.
package partition

import (
	"fmt"
	"strings"
)

// Type is a firmware image/partition type as named by the controller.
type Type string

// Known types.
const (
	TypeS2ELF    Type = "S2_ELF"
	TypeSOCELF   Type = "SOC_ELF"
	TypeA9Uboot  Type = "A9_UBOOT"
	TypeA9Exec   Type = "A9_EXEC"
	TypeA9UEFI   Type = "A9_UEFI"
	TypeA15UEFI  Type = "A15_UEFI"
	TypeCDB      Type = "CDB"
	TypeUbootEnv Type = "UBOOTENV"
	TypeDTB      Type = "DTB"
	TypeSEL      Type = "SEL"
	TypeBootLog  Type = "BOOT_LOG"
	TypeSPIF     Type = "SPIF"
)

// Raw reports whether images of this type are written without a SIMG container.
func (t Type) Raw() bool {
	return t == TypeSPIF
}

// Aligned reports whether the image must start on a page boundary inside its container.
func (t Type) Aligned() bool {
	return t == TypeCDB || t == TypeBootLog
}

// Tag returns the type tag sent to the controller.
func (t Type) Tag() string {
	return strings.ToUpper(string(t))
}

// InUse is the controller's tri-state report of whether a partition is running.
type InUse int

const (
	InUseUnknown InUse = iota
	InUseNo
	InUseYes
)

func (u InUse) String() string {
	switch u {
	case InUseYes:
		return "yes"
	case InUseNo:
		return "no"
	default:
		return "unknown"
	}
}

// FlagProtected marks a factory/protected partition.
const FlagProtected = 0x2

// Partition is one firmware slot on a node.
type Partition struct {
	Index    int
	Type     Type
	Offset   uint32
	Size     uint32
	Priority uint32
	DestAddr uint32
	Flags    uint32
	Version  string
	InUse    InUse
}

// Protected reports whether the factory/protected flag bit is set.
func (p Partition) Protected() bool {
	return p.Flags&FlagProtected != 0
}

func (p Partition) String() string {
	return fmt.Sprintf("%d (%s)", p.Index, p.Type)
}

// Table is a node's partition table in controller order.
type Table []Partition

// OfType returns the partitions of type t, preserving table order.
func (t Table) OfType(typ Type) []Partition {
	var out []Partition
	for _, p := range t {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

// ByIndex returns the partition with the given index.
func (t Table) ByIndex(index int) (Partition, bool) {
	for _, p := range t {
		if p.Index == index {
			return p, true
		}
	}
	return Partition{}, false
}
