package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/simg"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/google/uuid"
)

var errInProgress = fmt.Errorf("transfer %s", strings.ToLower(transport.StatusInProgress))

// prepare containerizes the image and checks it fits before touching the network.
func (e *Engine) prepare(_ context.Context, r *run) error {
	img, p := r.job.Image, r.job.Partition

	data := img.Data
	if !img.Containerized() && !img.Type.Raw() {
		if r.job.Priority > partition.MaxPriority {
			return errors.Newf(errors.ErrPriorityOverflow, "priority %d does not fit a container header", r.job.Priority)
		}
		daddr := p.DestAddr
		if img.DestAddr != nil {
			daddr = *img.DestAddr
		}
		data = simg.Encode(img.Data, simg.Options{
			Priority:   uint16(r.job.Priority),
			DestAddr:   daddr,
			Version:    img.Version,
			ComputeCRC: !img.SkipCRC,
			Align:      img.Type.Aligned(),
		})
	}

	if uint64(len(data)) > uint64(p.Size) {
		return errors.Newf(errors.ErrImageSize, "image is %d bytes, partition %d holds %d", len(data), p.Index, p.Size)
	}
	r.data = data
	return nil
}

func (e *Engine) upload(ctx context.Context, r *run) error {
	r.filename = fmt.Sprintf("%s_%s%s", strings.ToLower(string(r.job.Image.Type)), uuid.NewString(), uploadSuffix)
	if err := e.medium.Put(ctx, r.filename, r.data); err != nil {
		return errors.Kindf(errors.ErrTransferFailure, err, "upload %s", r.filename)
	}
	slog.Debug("transfer_uploaded", "node", r.result.Node, "file", r.filename, "bytes", len(r.data))
	return nil
}

func (e *Engine) startWrite(ctx context.Context, r *run) error {
	node, p := r.job.Node, r.job.Partition

	addr, err := e.medium.Address(node.Address())
	if err != nil {
		return errors.Kindf(errors.ErrTransferFailure, err, "resolve tftp address")
	}
	handle, err := node.StartWrite(ctx, r.filename, p.Index, r.job.Image.Type.Tag(), addr)
	if err != nil {
		return errors.Kindf(errors.ErrTransferFailure, err, "start write to partition %d", p.Index)
	}
	if handle == "" {
		return errors.Newf(errors.ErrTransferFailure, "node returned no handle for write to partition %d", p.Index)
	}
	r.handle = handle

	if r.job.Image.Type == partition.TypeCDB && e.settings.CDBSettle > 0 {
		slog.Debug("transfer_cdb_settle", "node", r.result.Node, "delay", e.settings.CDBSettle)
		if err := sleep(ctx, e.settings.CDBSettle); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) poll(ctx context.Context, r *run) error {
	status, err := e.waitForTransfer(ctx, r.job.Node, r.handle)
	if err != nil {
		return err
	}
	r.status = status
	if status != transport.StatusComplete {
		return errors.Newf(errors.ErrTransferFailure, "transfer %s to partition %d ended with status %q",
			r.handle, r.job.Partition.Index, status)
	}
	return nil
}

// activate runs the CRC check and activates only on a clean result.
func (e *Engine) activate(ctx context.Context, r *run) error {
	node, index := r.job.Node, r.job.Partition.Index

	ok, err := node.Check(ctx, index)
	if err != nil {
		return errors.Kindf(errors.ErrTransferFailure, err, "check partition %d", index)
	}
	if !ok {
		slog.Warn("transfer_check_failed", "node", r.result.Node, "partition", index)
		return errors.Newf(errors.ErrTransferFailure, "CRC check failed on partition %d, not activated", index)
	}
	if err := node.Activate(ctx, index); err != nil {
		return errors.Kindf(errors.ErrTransferFailure, err, "activate partition %d", index)
	}
	r.result.Activated = true
	return nil
}

// waitForTransfer polls a handle at a fixed interval until a terminal status
// or the deadline.
func (e *Engine) waitForTransfer(ctx context.Context, node transport.Node, handle string) (string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, e.settings.Timeout)
	defer cancel()

	var status string
	polls := 0
	op := func() error {
		polls++
		s, err := node.Poll(pollCtx, handle)
		if err != nil {
			return backoff.Permanent(err)
		}
		if s == transport.StatusInProgress {
			return errInProgress
		}
		status = s
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(e.settings.PollInterval), pollCtx))
	switch {
	case err == nil:
		slog.Debug("transfer_polled", "node", node.Address(), "handle", handle, "status", status, "polls", polls)
		return status, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case pollCtx.Err() != nil:
		return "", errors.Newf(errors.ErrTimeout, "transfer %s still in progress after %s", handle, e.settings.Timeout)
	default:
		return "", errors.Kindf(errors.ErrTransferFailure, err, "poll transfer %s", handle)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
