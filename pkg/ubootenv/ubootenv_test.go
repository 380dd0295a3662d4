package ubootenv

import (
	"encoding/binary"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/google/go-cmp/cmp"
)

func TestSerializeParse(t *testing.T) {
	vars := map[string]string{
		"bootcmd_default": "run bootcmd_sata; run bootcmd_pxe",
		"bootdelay":       "3",
		"ipaddr":          "192.168.101.100",
		"empty":           "",
	}

	b, err := Serialize(vars, DefaultSize)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if len(b) != DefaultSize {
		t.Fatalf("got %d bytes, want %d", len(b), DefaultSize)
	}
	if b[len(b)-1] != 0xFF {
		t.Errorf("expected 0xff padding, got %#x", b[len(b)-1])
	}
	if !Valid(b) {
		t.Error("checksum should validate")
	}
	if got, want := binary.LittleEndian.Uint32(b), crc32.ChecksumIEEE(b[4:]); got != want {
		t.Errorf("crc: got %08x, want %08x", got, want)
	}

	if diff := cmp.Diff(vars, Parse(b)); diff != "" {
		t.Errorf("parse mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDuplicateKeysLastWins(t *testing.T) {
	raw := append([]byte{0, 0, 0, 0}, []byte("a=1\x00b=2\x00a=3\x00\x00\xff\xff")...)
	got := Parse(raw)
	if diff := cmp.Diff(map[string]string{"a": "3", "b": "2"}, got); diff != "" {
		t.Errorf("parse mismatch (-want +got):\n%s", diff)
	}
}

func TestSerializeTooLarge(t *testing.T) {
	vars := map[string]string{"big": strings.Repeat("x", 64)}
	if _, err := Serialize(vars, 64); !errors.Is(err, errors.ErrEnvironmentTooLarge) {
		t.Errorf("expected ErrEnvironmentTooLarge, got %v", err)
	}
	// "k=v\0" plus the terminator fills the 5 bytes after the checksum.
	if _, err := Serialize(map[string]string{"k": "v"}, 9); err != nil {
		t.Errorf("exact fit should succeed: %v", err)
	}
}

func TestBootOrderRoundTrip(t *testing.T) {
	tests := [][]string{
		{"disk", "pxe"},
		{"pxe", "disk"},
		{"disk0:1"},
		{"disk2"},
		{"pxe", "retry"},
		{"disk", "pxe", "retry"},
		{"reset"},
		{"pxe", "disk1:3", "reset"},
		{},
	}

	for _, order := range tests {
		vars := map[string]string{}
		if err := SetBootOrder(vars, order); err != nil {
			t.Fatalf("set %v: %v", order, err)
		}
		got, err := BootOrder(vars)
		if err != nil {
			t.Fatalf("get %v (bootcmd %q): %v", order, vars[BootCommandVar], err)
		}
		if diff := cmp.Diff(order, got); diff != "" {
			t.Errorf("round trip of %v (-want +got):\n%s", order, diff)
		}
	}
}

func TestSetBootOrderCommandText(t *testing.T) {
	vars := map[string]string{}
	if err := SetBootOrder(vars, []string{"disk0:1", "pxe", "retry"}); err != nil {
		t.Fatal(err)
	}
	want := "setenv bootdevice 0:1 && run bootcmd_sata; while true\ndo\nrun bootcmd_pxe\ndone"
	if got := vars[BootCommandVar]; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSetBootOrderRejects(t *testing.T) {
	tests := map[string][]string{
		"retry and reset": {"pxe", "retry", "reset"},
		"unknown token":   {"floppy"},
		"bad disk":        {"diskX"},
		"bare retry":      {"retry"},
	}
	for name, order := range tests {
		vars := map[string]string{BootCommandVar: "run bootcmd_pxe"}
		err := SetBootOrder(vars, order)
		if !errors.Is(err, errors.ErrInvalidBootOrder) {
			t.Errorf("%s: expected ErrInvalidBootOrder, got %v", name, err)
		}
		if vars[BootCommandVar] != "run bootcmd_pxe" {
			t.Errorf("%s: rejected order modified the environment", name)
		}
	}
}

func TestBootOrderErrors(t *testing.T) {
	if _, err := BootOrder(map[string]string{}); !errors.Is(err, errors.ErrNoBootCommand) {
		t.Errorf("expected ErrNoBootCommand, got %v", err)
	}
	_, err := BootOrder(map[string]string{BootCommandVar: "run bootcmd_pxe; bootm 0x1000"})
	if !errors.Is(err, errors.ErrUnknownBootCommand) {
		t.Errorf("expected ErrUnknownBootCommand, got %v", err)
	}
}

func TestBootOrderStopsAtRetry(t *testing.T) {
	vars := map[string]string{BootCommandVar: "while true\ndo\nrun bootcmd_pxe\ndone; run bootcmd_sata"}
	got, err := BootOrder(vars)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"pxe", "retry"}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
