package update

import (
	"context"
	"log/slog"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/firmware"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/simg"
	"github.com/fly-io/fabricfw/pkg/transfer"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/fly-io/fabricfw/pkg/ubootenv"
)

// updateEnvironment writes a new boot environment while keeping the node's
// boot command. The new environment goes to the inactive partition as is; the
// active partition gets the new environment with the old boot command. Both
// copies carry the run priority.
func (u *Updater) updateEnvironment(ctx context.Context, r *nodeRun, img *firmware.Image) {
	envs := r.table.OfType(partition.TypeUbootEnv)
	if len(envs) == 0 {
		r.fail(img, -1, errors.Newf(errors.ErrNoPartition, "no %s partitions", partition.TypeUbootEnv))
		return
	}

	active, err := partition.SelectOne(r.table, partition.TypeUbootEnv, partition.Active)
	if err != nil {
		r.fail(img, -1, err)
		return
	}

	plain, err := unwrapEnvironment(img)
	if err != nil {
		r.fail(img, -1, err)
		return
	}
	img = plain

	if len(envs) > 1 {
		inactive, err := partition.SelectOne(r.table, partition.TypeUbootEnv, partition.Inactive)
		if err != nil {
			r.fail(img, -1, err)
			return
		}
		u.write(ctx, r, img, inactive)
	}

	old, err := u.readEnvironment(ctx, r.node, active)
	if err != nil {
		r.fail(img, active.Index, err)
		return
	}

	merged, err := carryBootCommand(img, old)
	if err != nil {
		r.fail(img, active.Index, err)
		return
	}
	if merged != img {
		slog.Info("bootenv_boot_command_kept", "node", r.node.Address(), "partition", active.Index)
	}
	u.write(ctx, r, merged, active)
}

// readEnvironment downloads a UBOOTENV partition and parses its variables.
func (u *Updater) readEnvironment(ctx context.Context, node transport.Node, p partition.Partition) (map[string]string, error) {
	data, err := u.engine.Read(ctx, node, p)
	if err != nil {
		return nil, err
	}
	raw, err := envPayload(data)
	if err != nil {
		return nil, err
	}
	return ubootenv.Parse(raw), nil
}

// carryBootCommand returns img with the boot command from old, or img itself
// when old has none.
func carryBootCommand(img *firmware.Image, old map[string]string) (*firmware.Image, error) {
	bootcmd, ok := old[ubootenv.BootCommandVar]
	if !ok {
		slog.Warn("bootenv_no_boot_command", "image", img.Name)
		return img, nil
	}

	raw, err := envPayload(img.Data)
	if err != nil {
		return nil, err
	}
	vars := ubootenv.Parse(raw)
	vars[ubootenv.BootCommandVar] = bootcmd

	size := len(raw)
	if size == 0 {
		size = ubootenv.DefaultSize
	}
	data, err := ubootenv.Serialize(vars, size)
	if err != nil {
		return nil, err
	}

	merged := *img
	merged.Data = data
	return &merged, nil
}

// unwrapEnvironment strips the container from a packaged environment so both
// copies are rebuilt at the run priority. Header metadata fills in what the
// manifest left unset.
func unwrapEnvironment(img *firmware.Image) (*firmware.Image, error) {
	if !img.Containerized() {
		return img, nil
	}
	hdr, payload, err := simg.Decode(img.Data)
	if err != nil {
		return nil, errors.Wrap(err, "image "+img.Name)
	}
	plain := *img
	plain.Data = payload
	if plain.Version == "" {
		plain.Version = hdr.Version
	}
	if plain.DestAddr == nil {
		daddr := hdr.DestAddr
		plain.DestAddr = &daddr
	}
	if hdr.CRC32 == 0 {
		plain.SkipCRC = true
	}
	return &plain, nil
}

// envPayload strips a SIMG container if present.
func envPayload(data []byte) ([]byte, error) {
	if !simg.HasContainer(data) {
		return data, nil
	}
	return simg.Contents(data)
}

// BootOrder reads the boot order from the node's active environment.
func (u *Updater) BootOrder(ctx context.Context, node transport.Node) ([]string, error) {
	table, err := node.PartitionTable(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read partition table")
	}
	active, err := partition.SelectOne(table, partition.TypeUbootEnv, partition.Active)
	if err != nil {
		return nil, err
	}
	vars, err := u.readEnvironment(ctx, node, active)
	if err != nil {
		return nil, err
	}
	return ubootenv.BootOrder(vars)
}

// SetBootOrder rewrites the boot command of the active environment and writes
// it to the first UBOOTENV partition at the higher of the two priorities.
func (u *Updater) SetBootOrder(ctx context.Context, node transport.Node, order []string) error {
	table, err := node.PartitionTable(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read partition table")
	}
	first, err := partition.SelectOne(table, partition.TypeUbootEnv, partition.First)
	if err != nil {
		return err
	}
	active, err := partition.SelectOne(table, partition.TypeUbootEnv, partition.Active)
	if err != nil {
		return err
	}

	data, err := u.engine.Read(ctx, node, active)
	if err != nil {
		return err
	}
	raw, err := envPayload(data)
	if err != nil {
		return err
	}
	vars := ubootenv.Parse(raw)
	if err := ubootenv.SetBootOrder(vars, order); err != nil {
		return err
	}

	size := len(raw)
	if size == 0 {
		size = ubootenv.DefaultSize
	}
	env, err := ubootenv.Serialize(vars, size)
	if err != nil {
		return err
	}

	img, err := firmware.NewImage("bootorder.env", partition.TypeUbootEnv, env)
	if err != nil {
		return err
	}
	if hdr, err := simg.ParseHeader(data); err == nil {
		img.Version = hdr.Version
	}

	priority := max(first.Priority, active.Priority)
	slog.Info("set_boot_order", "node", node.Address(), "order", order, "partition", first.Index, "priority", priority)
	_, err = u.engine.Write(ctx, transfer.Job{Node: node, Image: img, Partition: first, Priority: priority})
	return err
}
