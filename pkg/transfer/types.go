package transfer

import (
	"time"

	"github.com/fly-io/fabricfw/pkg/firmware"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/transport"
)

// Job writes one image to one partition of one node.
type Job struct {
	Node      transport.Node
	Image     *firmware.Image
	Partition partition.Partition
	Priority  uint32
}

// Result describes a finished (image, partition) transfer.
type Result struct {
	Node      string
	Image     string
	Type      partition.Type
	Partition int
	Priority  uint32
	Handle    string
	Status    string
	Activated bool
	Duration  time.Duration
}

// Request is the durable state machine input. It only carries identifiers;
// image bytes stay in memory with the engine.
type Request struct {
	RunID     string
	Node      string
	Partition int
	ImageType string
}

// Response accumulates across transitions.
type Response struct {
	Filename string
	Handle   string
	Status   string
}

// State names
const (
	StatePrepare   = "prepare"
	StateUpload    = "upload"
	StateStart     = "start_write"
	StatePoll      = "poll"
	StateActivate  = "activate"
	StateComplete  = "complete"
	StateFailed    = "failed"
	machineName    = "image-transfer"
	uploadSuffix   = ".img"
	downloadSuffix = ".bin"
)
