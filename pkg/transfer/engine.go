// Package transfer moves one firmware image into one node partition:
// containerize, upload, start the remote write, poll to completion, verify and
// activate. Steps run inline or under a superfly/fsm manager.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/metrics"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/tftp"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/google/uuid"
	"github.com/superfly/fsm"
)

// Settings tune the poll loop.
type Settings struct {
	PollInterval time.Duration
	// Timeout bounds polling, measured from the first poll.
	Timeout time.Duration
	// CDBSettle is the pause between starting a CDB write and the first poll.
	CDBSettle time.Duration
}

// DefaultSettings match the controller firmware's behaviour.
func DefaultSettings() Settings {
	return Settings{
		PollInterval: time.Second,
		Timeout:      180 * time.Second,
		CDBSettle:    9 * time.Second,
	}
}

// run is the in-memory state of one transfer, shared by its steps.
type run struct {
	id       string
	job      Job
	data     []byte
	filename string
	handle   string
	status   string
	started  time.Time
	result   Result
	err      error
}

// Engine executes transfers against nodes over a medium.
type Engine struct {
	medium   tftp.Medium
	settings Settings
	metrics  *metrics.Recorder

	mu      sync.Mutex
	runs    map[string]*run
	manager *fsm.Manager
	start   fsm.Start[Request, Response]
}

// NewEngine creates an engine that runs steps inline until Register is called.
func NewEngine(medium tftp.Medium, settings Settings, rec *metrics.Recorder) *Engine {
	def := DefaultSettings()
	if settings.PollInterval <= 0 {
		settings.PollInterval = def.PollInterval
	}
	if settings.Timeout <= 0 {
		settings.Timeout = def.Timeout
	}
	if settings.CDBSettle < 0 {
		settings.CDBSettle = 0
	}
	return &Engine{
		medium:   medium,
		settings: settings,
		metrics:  rec,
		runs:     make(map[string]*run),
	}
}

type step struct {
	name string
	fn   func(context.Context, *run) error
}

func (e *Engine) steps() []step {
	return []step{
		{StatePrepare, e.prepare},
		{StateUpload, e.upload},
		{StateStart, e.startWrite},
		{StatePoll, e.poll},
		{StateActivate, e.activate},
	}
}

// Write performs a full transfer. Failures are classified as ErrImageSize,
// ErrPriorityOverflow, ErrTransferFailure or ErrTimeout.
func (e *Engine) Write(ctx context.Context, job Job) (*Result, error) {
	r := &run{
		id:      uuid.NewString(),
		job:     job,
		started: time.Now(),
		result: Result{
			Node:      job.Node.Address(),
			Image:     job.Image.Name,
			Type:      job.Image.Type,
			Partition: job.Partition.Index,
			Priority:  job.Priority,
		},
	}
	slog.Info("transfer_start",
		"node", r.result.Node,
		"image", r.result.Image,
		"image_type", r.result.Type,
		"partition", r.result.Partition,
		"priority", r.result.Priority)

	e.mu.Lock()
	e.runs[r.id] = r
	start := e.start
	manager := e.manager
	e.mu.Unlock()
	defer e.forget(r.id)

	var err error
	if start != nil {
		err = e.runMachine(ctx, start, manager, r)
	} else {
		err = e.runInline(ctx, r)
	}

	r.result.Handle = r.handle
	r.result.Status = r.status
	r.result.Duration = time.Since(r.started)
	e.metrics.ObserveTransfer(string(r.result.Type), err, r.result.Duration)

	if err != nil {
		slog.Error("transfer_failed", "node", r.result.Node, "partition", r.result.Partition, "error", err)
		return &r.result, err
	}
	slog.Info("transfer_complete",
		"node", r.result.Node,
		"partition", r.result.Partition,
		"duration_ms", r.result.Duration.Milliseconds())
	return &r.result, nil
}

func (e *Engine) runInline(ctx context.Context, r *run) error {
	for _, s := range e.steps() {
		slog.Debug("transfer_state", "state", s.name, "node", r.result.Node, "partition", r.result.Partition)
		if err := s.fn(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) lookup(id string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

// Read copies the contents of a partition back from the node.
func (e *Engine) Read(ctx context.Context, node transport.Node, p partition.Partition) ([]byte, error) {
	name := fmt.Sprintf("%s_%s%s", strings.ToLower(string(p.Type)), uuid.NewString(), downloadSuffix)
	addr, err := e.medium.Address(node.Address())
	if err != nil {
		return nil, errors.Kindf(errors.ErrTransferFailure, err, "resolve tftp address")
	}

	slog.Info("partition_read_start", "node", node.Address(), "partition", p.Index, "image_type", p.Type)
	handle, err := node.StartRead(ctx, name, p.Index, p.Type.Tag(), addr)
	if err != nil {
		return nil, errors.Kindf(errors.ErrTransferFailure, err, "start read of partition %d", p.Index)
	}
	if handle == "" {
		return nil, errors.Newf(errors.ErrTransferFailure, "node returned no handle for read of partition %d", p.Index)
	}

	status, err := e.waitForTransfer(ctx, node, handle)
	if err != nil {
		return nil, err
	}
	if status != transport.StatusComplete {
		return nil, errors.Newf(errors.ErrTransferFailure, "read of partition %d ended with status %q", p.Index, status)
	}

	data, err := e.medium.Get(ctx, name)
	if err != nil {
		return nil, errors.Kindf(errors.ErrTransferFailure, err, "fetch %s", name)
	}
	slog.Info("partition_read_complete", "node", node.Address(), "partition", p.Index, "bytes", len(data))
	return data, nil
}
