package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/fly-io/fabricfw/pkg/db"
	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent commands and their transfers",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to show (0 for all)")
	historyCmd.Flags().Bool("transfers", false, "Show the transfers of each run")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	showTransfers, _ := cmd.Flags().GetBool("transfers")

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	return printHistory(context.Background(), cmd.OutOrStdout(), repo, limit, showTransfers)
}

func printHistory(ctx context.Context, w io.Writer, repo *db.Repository, limit int, showTransfers bool) error {
	runs, err := repo.ListRuns(ctx, limit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found")
		return nil
	}

	fmt.Fprintf(w, "%-36s %-16s %-6s %-10s %-7s %-20s\n", "RUN", "OPERATION", "NODES", "STATUS", "FAILED", "STARTED")
	fmt.Fprintln(w, "-----------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		fmt.Fprintf(w, "%-36s %-16s %-6d %-10s %-7d %-20s\n",
			run.ID, run.Operation, run.NodeCount, run.Status, run.FailedNodes, run.StartedAt)
		if !showTransfers {
			continue
		}

		transfers, err := repo.Transfers(ctx, run.ID)
		if err != nil {
			return errors.Wrap(err, "list transfers failed")
		}
		for _, t := range transfers {
			line := fmt.Sprintf("    %-15s %-10s partition %-3d priority %-5d %s", t.Node, t.ImageType, t.Partition, t.Priority, t.Status)
			if t.ErrorMessage != "" {
				line += ": " + t.ErrorMessage
			}
			fmt.Fprintln(w, line)
		}
	}

	return nil
}
