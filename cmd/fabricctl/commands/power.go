package commands

import (
	"context"

	"github.com/fly-io/fabricfw/pkg/fleet"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/spf13/cobra"
)

var powerCmd = &cobra.Command{
	Use:   "power",
	Short: "Chassis power operations",
}

var mcCmd = &cobra.Command{
	Use:   "mc",
	Short: "Management controller operations",
}

var mcResetCmd = &cobra.Command{
	Use:   "reset <hosts...>",
	Short: "Cold reset the management controller of every host",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNodes(cmd, args, false, func(ctx context.Context, s *session, nodes []transport.Node) error {
			return printOutcome(cmd.OutOrStdout(), s.dispatch(ctx, fleet.OpResetMC, nodes, nil), renderNothing)
		})
	},
}

func init() {
	rootCmd.AddCommand(powerCmd, mcCmd)
	mcCmd.AddCommand(mcResetCmd)
	addHostFlags(mcResetCmd)

	status := &cobra.Command{
		Use:   "status <hosts...>",
		Short: "Show chassis power state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNodes(cmd, args, false, func(ctx context.Context, s *session, nodes []transport.Node) error {
				return printOutcome(cmd.OutOrStdout(), s.dispatch(ctx, fleet.OpGetPower, nodes, nil), renderValue)
			})
		},
	}
	addHostFlags(status)
	powerCmd.AddCommand(status)

	for _, state := range []string{transport.PowerOn, transport.PowerOff, transport.PowerReset} {
		c := &cobra.Command{
			Use:   state + " <hosts...>",
			Short: "Set chassis power " + state,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withNodes(cmd, args, false, func(ctx context.Context, s *session, nodes []transport.Node) error {
					return printOutcome(cmd.OutOrStdout(), s.dispatch(ctx, fleet.OpSetPower, nodes, state), renderNothing)
				})
			},
		}
		addHostFlags(c)
		powerCmd.AddCommand(c)
	}
}
