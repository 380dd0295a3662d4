package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fly-io/fabricfw/pkg/db"
	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover staging files and prune history",
	Long: `Clean up local state:
  staged TFTP files, downloaded and extracted packages left in the work
  directory by interrupted runs are removed; with --keep N, history beyond
  the N most recent runs is deleted.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

// stagingDirs are the work directory children commands create.
var stagingDirs = []string{"tftp", "downloads", "packages"}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Int("keep", 0, "Keep only the N most recent runs (0 keeps all)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	keep, _ := cmd.Flags().GetInt("keep")
	w := cmd.OutOrStdout()

	removed, err := cleanWorkDir(cfg.WorkDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Removed %d staged entries from %s\n", removed, cfg.WorkDir)

	if keep <= 0 {
		return nil
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	pruned, err := pruneHistory(context.Background(), repo, keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Pruned %d runs from history\n", pruned)
	return nil
}

// cleanWorkDir empties the staging directories under workDir.
func cleanWorkDir(workDir string) (int, error) {
	removed := 0
	for _, name := range stagingDirs {
		dir := filepath.Join(workDir, name)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return removed, errors.Wrap(err, "failed to read "+dir)
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
				return removed, errors.Wrap(err, "failed to remove staged file")
			}
			removed++
		}
	}
	return removed, nil
}

// pruneHistory deletes every run older than the keep most recent.
func pruneHistory(ctx context.Context, repo *db.Repository, keep int) (int, error) {
	runs, err := repo.ListRuns(ctx, 0)
	if err != nil {
		return 0, errors.Wrap(err, "list failed")
	}
	pruned := 0
	for i := keep; i < len(runs); i++ {
		if err := repo.DeleteRun(ctx, runs[i].ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
