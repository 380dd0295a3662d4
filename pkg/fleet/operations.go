package fleet

import (
	"context"
	"fmt"

	"github.com/fly-io/fabricfw/pkg/firmware"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/fly-io/fabricfw/pkg/update"
)

// Operation names.
const (
	OpUpdateFirmware = "update_firmware"
	OpFirmwareInfo   = "get_fw_info"
	OpGetPower       = "get_power"
	OpSetPower       = "set_power"
	OpResetMC        = "mc_reset"
	OpGetBootOrder   = "get_boot_order"
	OpSetBootOrder   = "set_boot_order"
)

// UpdateArgs are the arguments of update_firmware.
type UpdateArgs struct {
	Package *firmware.Package
	Options update.Options
}

// Operations returns the standard operation set backed by u.
//
// Result types: update_firmware yields *update.Report, get_fw_info a
// partition.Table, get_power a string, get_boot_order a []string. The
// remaining operations yield nil.
func Operations(u *update.Updater) map[string]Operation {
	return map[string]Operation{
		OpUpdateFirmware: func(ctx context.Context, node transport.Node, args any) (any, error) {
			a, err := argsAs[UpdateArgs](OpUpdateFirmware, args)
			if err != nil {
				return nil, err
			}
			if a.Package == nil {
				return nil, fmt.Errorf("%s: no package", OpUpdateFirmware)
			}
			return u.Update(ctx, node, a.Package, a.Options)
		},
		OpFirmwareInfo: func(ctx context.Context, node transport.Node, _ any) (any, error) {
			return node.PartitionTable(ctx)
		},
		OpGetPower: func(ctx context.Context, node transport.Node, _ any) (any, error) {
			return node.PowerStatus(ctx)
		},
		OpSetPower: func(ctx context.Context, node transport.Node, args any) (any, error) {
			state, err := argsAs[string](OpSetPower, args)
			if err != nil {
				return nil, err
			}
			switch state {
			case transport.PowerOn, transport.PowerOff, transport.PowerReset:
			default:
				return nil, fmt.Errorf("%s: unknown power state %q", OpSetPower, state)
			}
			return nil, node.SetPower(ctx, state)
		},
		OpResetMC: func(ctx context.Context, node transport.Node, _ any) (any, error) {
			return nil, node.ResetController(ctx)
		},
		OpGetBootOrder: func(ctx context.Context, node transport.Node, _ any) (any, error) {
			return u.BootOrder(ctx, node)
		},
		OpSetBootOrder: func(ctx context.Context, node transport.Node, args any) (any, error) {
			order, err := argsAs[[]string](OpSetBootOrder, args)
			if err != nil {
				return nil, err
			}
			return nil, u.SetBootOrder(ctx, node, order)
		},
	}
}

func argsAs[T any](op string, args any) (T, error) {
	v, ok := args.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: expected %T arguments, got %T", op, zero, args)
	}
	return v, nil
}
