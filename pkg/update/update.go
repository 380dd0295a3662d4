// Package update applies a firmware package to one node.
package update

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/firmware"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/transfer"
	"github.com/fly-io/fabricfw/pkg/transport"
	"go.uber.org/multierr"
)

// Options select target partitions.
type Options struct {
	// Policy picks partitions for every image type except UBOOTENV.
	// Defaults to INACTIVE.
	Policy partition.Policy
	// Priority, when set, replaces the computed next priority.
	Priority *uint32
	// SkipVerify disables re-reading the partition table after the run.
	SkipVerify bool
}

// Failure is one (image, partition) pair that did not complete. Partition is
// -1 when no partition could be selected.
type Failure struct {
	Image     string
	Type      partition.Type
	Partition int
	Err       error
}

// Report summarizes one node's run.
type Report struct {
	Node            string
	Priority        uint32
	Transfers       []transfer.Result
	Failures        []Failure
	FirmwareVersion string
}

// Error is returned when any pair failed. It carries the partial report and
// unwraps to every underlying failure.
type Error struct {
	Report *Report
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %d of %d transfers failed: %v",
		e.Report.Node, len(e.Report.Failures), len(e.Report.Failures)+len(e.Report.Transfers), e.Err)
}

func (e *Error) Unwrap() []error {
	return multierr.Errors(e.Err)
}

// Updater runs packages against nodes through a transfer engine.
type Updater struct {
	engine *transfer.Engine
}

func New(engine *transfer.Engine) *Updater {
	return &Updater{engine: engine}
}

// nodeRun is the state of one Update call.
type nodeRun struct {
	node     transport.Node
	table    partition.Table
	priority uint32
	report   *Report
	errs     error
	// written tracks partitions whose header priority should read back as
	// the run priority.
	written []written
}

type written struct {
	index         int
	typ           partition.Type
	checkPriority bool
}

func (r *nodeRun) fail(img *firmware.Image, index int, err error) {
	slog.Warn("update_pair_failed", "node", r.node.Address(), "image", img.Name, "partition", index, "error", err)
	r.report.Failures = append(r.report.Failures, Failure{Image: img.Name, Type: img.Type, Partition: index, Err: err})
	if index >= 0 {
		err = fmt.Errorf("%s to partition %d: %w", img.Name, index, err)
	} else {
		err = fmt.Errorf("%s: %w", img.Name, err)
	}
	r.errs = multierr.Append(r.errs, err)
}

func (r *nodeRun) succeed(img *firmware.Image, res *transfer.Result) {
	r.report.Transfers = append(r.report.Transfers, *res)
	r.written = append(r.written, written{
		index:         res.Partition,
		typ:           img.Type,
		checkPriority: !img.Containerized() && !img.Type.Raw(),
	})
}

// Update writes every image in pkg to node. Node-level problems (unreachable
// node, incompatible controller, unreadable partition table) are returned
// directly; per-pair failures are collected into an *Error.
func (u *Updater) Update(ctx context.Context, node transport.Node, pkg *firmware.Package, opts Options) (*Report, error) {
	if opts.Policy == "" {
		opts.Policy = partition.Inactive
	}
	report := &Report{Node: node.Address()}

	if pkg.RequiredControllerVersion != "" {
		version, err := node.ControllerVersion(ctx)
		if err != nil {
			return report, errors.Wrap(err, "failed to read controller version")
		}
		if !pkg.Compatible(version) {
			return report, errors.Newf(errors.ErrIncompatiblePackage,
				"controller %s is older than required %s", version, pkg.RequiredControllerVersion)
		}
	}

	table, err := node.PartitionTable(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to read partition table")
	}

	priority, err := runPriority(table, pkg, opts)
	if err != nil {
		return report, err
	}
	report.Priority = priority

	slog.Info("update_start",
		"node", node.Address(),
		"images", len(pkg.Images),
		"policy", opts.Policy,
		"priority", priority)

	r := &nodeRun{node: node, table: table, priority: priority, report: report}
	for _, img := range pkg.Images {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if img.Type == partition.TypeUbootEnv {
			u.updateEnvironment(ctx, r, img)
			continue
		}

		targets, err := partition.Select(table, img.Type, opts.Policy)
		if err != nil {
			r.fail(img, -1, err)
			continue
		}
		for _, p := range targets {
			u.write(ctx, r, img, p)
		}
	}

	if r.errs == nil && pkg.FirmwareVersion != "" {
		if err := node.SetFirmwareVersion(ctx, pkg.FirmwareVersion); err != nil {
			r.errs = multierr.Append(r.errs, errors.Wrap(err, "failed to set firmware version"))
		} else {
			report.FirmwareVersion = pkg.FirmwareVersion
		}
	}

	if r.errs == nil && !opts.SkipVerify {
		r.errs = multierr.Append(r.errs, u.verify(ctx, r))
	}

	if r.errs != nil {
		return report, &Error{Report: report, Err: r.errs}
	}
	slog.Info("update_complete", "node", node.Address(), "transfers", len(report.Transfers))
	return report, nil
}

func runPriority(table partition.Table, pkg *firmware.Package, opts Options) (uint32, error) {
	if opts.Priority != nil {
		if *opts.Priority > partition.MaxPriority {
			return 0, errors.Newf(errors.ErrPriorityOverflow, "priority %d does not fit a container header", *opts.Priority)
		}
		return *opts.Priority, nil
	}
	return partition.NextPriority(table, pkg.Types()...)
}

func (u *Updater) write(ctx context.Context, r *nodeRun, img *firmware.Image, p partition.Partition) {
	res, err := u.engine.Write(ctx, transfer.Job{
		Node:      r.node,
		Image:     img,
		Partition: p,
		Priority:  r.priority,
	})
	if err != nil {
		r.fail(img, p.Index, err)
		return
	}
	r.succeed(img, res)
}

// verify re-reads the table and checks every written partition kept its type
// and, when this run built its header, carries the run priority.
func (u *Updater) verify(ctx context.Context, r *nodeRun) error {
	table, err := r.node.PartitionTable(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to re-read partition table")
	}

	var problems []string
	for _, w := range r.written {
		p, ok := table.ByIndex(w.index)
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("partition %d disappeared", w.index))
		case p.Type != w.typ:
			problems = append(problems, fmt.Sprintf("partition %d is %s, wrote %s", w.index, p.Type, w.typ))
		case w.checkPriority && p.Priority != r.priority:
			problems = append(problems, fmt.Sprintf("partition %d has priority %d, wrote %d", w.index, p.Priority, r.priority))
		}
	}
	if len(problems) > 0 {
		return errors.Newf(errors.ErrVerification, "%s", strings.Join(problems, "; "))
	}
	return nil
}
