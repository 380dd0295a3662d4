// Package transport talks to a node's management controller.
package transport

import (
	"context"
	"fmt"

	"github.com/fly-io/fabricfw/pkg/partition"
)

// Transfer statuses reported by Poll.
const (
	StatusInProgress = "In progress"
	StatusComplete   = "Complete"
	StatusFailed     = "Failed"
)

// Power states accepted by SetPower.
const (
	PowerOn    = "on"
	PowerOff   = "off"
	PowerReset = "reset"
)

// Node is one management controller. Every call is a blocking round trip.
type Node interface {
	// Address is the controller's IP address, used as the node identity.
	Address() string

	// PartitionTable reads the current firmware partition table.
	PartitionTable(ctx context.Context) (partition.Table, error)

	// StartWrite asks the node to fetch filename from tftpAddr into the
	// partition. An empty handle means the node did not accept the transfer.
	StartWrite(ctx context.Context, filename string, index int, typeTag, tftpAddr string) (string, error)

	// StartRead asks the node to upload the partition to tftpAddr as filename.
	StartRead(ctx context.Context, filename string, index int, typeTag, tftpAddr string) (string, error)

	// Poll returns the status string of a transfer.
	Poll(ctx context.Context, handle string) (string, error)

	// Check verifies the stored image's CRC.
	Check(ctx context.Context, index int) (bool, error)

	Activate(ctx context.Context, index int) error
	SetFirmwareVersion(ctx context.Context, version string) error
	ControllerVersion(ctx context.Context) (string, error)

	PowerStatus(ctx context.Context) (string, error)
	SetPower(ctx context.Context, state string) error
	ResetController(ctx context.Context) error

	// FabricAddresses lists the controller addresses of every node on the
	// fabric, ordered by node id.
	FabricAddresses(ctx context.Context) ([]string, error)
}

// Error is a transport-level fault on one node.
type Error struct {
	Node    string
	Command string
	Output  string
	Err     error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %s: %v: %s", e.Node, e.Command, e.Err, e.Output)
	}
	return fmt.Sprintf("%s: %s: %v", e.Node, e.Command, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
