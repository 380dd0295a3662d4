package commands

import (
	"context"
	"strings"

	"github.com/fly-io/fabricfw/pkg/fleet"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/spf13/cobra"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot order stored in the U-Boot environment",
}

var bootGetCmd = &cobra.Command{
	Use:   "get <hosts...>",
	Short: "Show the boot order of every host",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNodes(cmd, args, true, func(ctx context.Context, s *session, nodes []transport.Node) error {
			return printOutcome(cmd.OutOrStdout(), s.dispatch(ctx, fleet.OpGetBootOrder, nodes, nil), renderValue)
		})
	},
}

var bootSetCmd = &cobra.Command{
	Use:   "set <order> <hosts...>",
	Short: "Set the boot order of every host",
	Long: `Sets the boot order, given as a comma separated list of pxe, disk,
diskN, diskN:M, optionally ending in retry or reset. For example:

  fabricctl boot set disk,pxe,retry 10.0.0.1-10.0.0.24`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		order := parseBootOrder(args[0])
		return withNodes(cmd, args[1:], true, func(ctx context.Context, s *session, nodes []transport.Node) error {
			return printOutcome(cmd.OutOrStdout(), s.dispatch(ctx, fleet.OpSetBootOrder, nodes, order), renderNothing)
		})
	},
}

func init() {
	rootCmd.AddCommand(bootCmd)
	bootCmd.AddCommand(bootGetCmd, bootSetCmd)
	addHostFlags(bootGetCmd)
	addHostFlags(bootSetCmd)
}

func parseBootOrder(s string) []string {
	order := []string{}
	for _, token := range strings.Split(s, ",") {
		if token = strings.ToLower(strings.TrimSpace(token)); token != "" {
			order = append(order, token)
		}
	}
	return order
}
