package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/superfly/fsm"
)

// Register moves the engine onto a durable state machine. Subsequent writes
// run their steps as fsm transitions.
func (e *Engine) Register(ctx context.Context, manager *fsm.Manager) error {
	start, _, err := fsm.Register[Request, Response](manager, machineName).
		Start(StatePrepare, e.handler(e.prepare)).
		To(StateUpload, e.handler(e.upload)).
		To(StateStart, e.handler(e.startWrite)).
		To(StatePoll, e.handler(e.poll)).
		To(StateActivate, e.handler(e.activate)).
		End(StateComplete).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register transfer FSM")
	}

	e.mu.Lock()
	e.manager, e.start = manager, start
	e.mu.Unlock()
	return nil
}

// handler adapts a step to an fsm transition. Transfer failures are never
// retried, so every step error aborts the machine.
func (e *Engine) handler(fn func(context.Context, *run) error) func(context.Context, *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	return func(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
		r, ok := e.lookup(req.Msg.RunID)
		if !ok {
			// Left over from an interrupted process; the image bytes are gone.
			slog.Warn("transfer_orphaned", "run_id", req.Msg.RunID, "node", req.Msg.Node)
			return nil, fsm.Abort(fmt.Errorf("transfer %s is no longer tracked", req.Msg.RunID))
		}

		if err := fn(ctx, r); err != nil {
			r.err = err
			return nil, fsm.Abort(err)
		}

		resp := req.W.Msg
		if resp == nil {
			resp = &Response{}
		}
		resp.Filename = r.filename
		resp.Handle = r.handle
		resp.Status = r.status
		return fsm.NewResponse(resp), nil
	}
}

func (e *Engine) runMachine(ctx context.Context, start fsm.Start[Request, Response], manager *fsm.Manager, r *run) error {
	req := &Request{
		RunID:     r.id,
		Node:      r.result.Node,
		Partition: r.result.Partition,
		ImageType: string(r.result.Type),
	}

	version, err := start(ctx, r.id, fsm.NewRequest(req, &Response{}))
	if err != nil {
		return errors.Kindf(errors.ErrTransferFailure, err, "start transfer FSM")
	}
	slog.Debug("transfer_fsm_started", "run_id", r.id, "version", version)

	waitErr := manager.Wait(ctx, version)
	if r.err != nil {
		return r.err
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Kindf(errors.ErrTransferFailure, waitErr, "transfer FSM")
	}
	return nil
}
