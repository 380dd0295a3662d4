package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/firmware"
	"github.com/fly-io/fabricfw/pkg/fleet"
	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/security"
	"github.com/fly-io/fabricfw/pkg/storage"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/fly-io/fabricfw/pkg/update"
	"github.com/spf13/cobra"
)

var fwCmd = &cobra.Command{
	Use:   "fw",
	Short: "Firmware operations",
}

var fwUpdateCmd = &cobra.Command{
	Use:   "update <package> <hosts...>",
	Short: "Write a firmware package to every host",
	Long: `Writes each image of a package to the selected partitions of every host.

The package is a directory or .tar/.tar.gz archive holding manifest.yaml,
a single image file with --image-type, or an s3://bucket/key location of
either (a key ending in "/" names a package directory).`,
	Args: cobra.MinimumNArgs(2),
	RunE: runFWUpdate,
}

var fwInfoCmd = &cobra.Command{
	Use:   "info <hosts...>",
	Short: "Show the firmware partition table of every host",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNodes(cmd, args, false, func(ctx context.Context, s *session, nodes []transport.Node) error {
			out := s.dispatch(ctx, fleet.OpFirmwareInfo, nodes, nil)
			return printOutcome(cmd.OutOrStdout(), out, renderTable)
		})
	},
}

func init() {
	rootCmd.AddCommand(fwCmd)
	fwCmd.AddCommand(fwUpdateCmd, fwInfoCmd)

	fwUpdateCmd.Flags().String("partition", string(partition.Inactive), "Partition policy: "+policyNames())
	fwUpdateCmd.Flags().Int64("priority", -1, "Header priority to write (default: one more than the highest on the node)")
	fwUpdateCmd.Flags().String("image-type", "", "Image type when <package> is a single image file")
	fwUpdateCmd.Flags().Bool("skip-verify", false, "Skip re-reading the partition table after the update")
	addHostFlags(fwUpdateCmd)
	addHostFlags(fwInfoCmd)
}

func policyNames() string {
	names := make([]string, len(partition.Policies))
	for i, p := range partition.Policies {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func runFWUpdate(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	policyName, _ := flags.GetString("partition")
	policy, err := partition.ParsePolicy(policyName)
	if err != nil {
		return err
	}
	opts := update.Options{Policy: policy}
	opts.SkipVerify, _ = flags.GetBool("skip-verify")
	if priority, _ := flags.GetInt64("priority"); priority >= 0 {
		if priority > partition.MaxPriority {
			return errors.Newf(errors.ErrPriorityOverflow, "priority %d exceeds %d", priority, partition.MaxPriority)
		}
		p := uint32(priority)
		opts.Priority = &p
	}
	imageType, _ := flags.GetString("image-type")

	ctx, stop := signalContext()
	defer stop()

	pkg, err := loadPackage(ctx, args[0], partition.Type(imageType))
	if err != nil {
		return err
	}
	printPackage(cmd, pkg)

	return withNodes(cmd, args[1:], true, func(ctx context.Context, s *session, nodes []transport.Node) error {
		out := s.dispatch(ctx, fleet.OpUpdateFirmware, nodes, fleet.UpdateArgs{Package: pkg, Options: opts})
		w := cmd.OutOrStdout()
		err := printOutcome(w, out, renderReport)
		for _, addr := range sortedKeys(out.Errors) {
			var uerr *update.Error
			if errors.As(out.Errors[addr], &uerr) {
				fmt.Fprintf(w, "%s partial result:\n%s\n", addr, indent(renderReport(uerr.Report)))
			}
		}
		return err
	})
}

// loadPackage resolves s3:// locations, then loads the package.
func loadPackage(ctx context.Context, path string, imageType partition.Type) (*firmware.Package, error) {
	validator := security.NewValidator(cfg.MaxFileSize, cfg.MaxTotalSize, cfg.MaxCompressionRatio)

	if storage.IsRemote(path) {
		loc, err := storage.ParseURL(path)
		if err != nil {
			return nil, err
		}
		client, err := storage.NewClient(ctx, cfg.S3Region, cfg.S3Anonymous)
		if err != nil {
			return nil, errors.Wrap(err, "S3 client failed")
		}
		local, err := client.FetchPackage(ctx, loc, filepath.Join(cfg.WorkDir, "downloads"), validator)
		if err != nil {
			return nil, errors.Wrap(err, "package download failed")
		}
		slog.Info("package_downloaded", "location", loc.String(), "local_path", local)
		path = local
	}

	pkg, err := firmware.LoadPackage(ctx, path, firmware.LoadOptions{
		WorkDir:   filepath.Join(cfg.WorkDir, "packages"),
		Validator: validator,
		ImageType: imageType,
	})
	if err != nil {
		return nil, errors.Wrap(err, "package load failed")
	}
	return pkg, nil
}

func printPackage(cmd *cobra.Command, pkg *firmware.Package) {
	w := cmd.OutOrStdout()
	if pkg.FirmwareVersion != "" {
		fmt.Fprintf(w, "Package %s", pkg.FirmwareVersion)
		if pkg.RequiredControllerVersion != "" {
			fmt.Fprintf(w, " (requires controller %s)", pkg.RequiredControllerVersion)
		}
		fmt.Fprintln(w)
	}
	for _, img := range pkg.Images {
		fmt.Fprintf(w, "  %-10s %-24s %s\n", img.Type, img.Name, humanize.IBytes(uint64(img.Size())))
	}
}

func renderReport(v any) string {
	r, ok := v.(*update.Report)
	if !ok || r == nil {
		return renderValue(v)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "priority %d", r.Priority)
	if r.FirmwareVersion != "" {
		fmt.Fprintf(&b, ", firmware version %s", r.FirmwareVersion)
	}
	for _, t := range r.Transfers {
		fmt.Fprintf(&b, "\n%-10s -> partition %d (%s)", t.Type, t.Partition, t.Duration.Round(100*time.Millisecond))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "\n%-10s -> partition %d FAILED: %v", f.Type, f.Partition, f.Err)
	}
	return b.String()
}

func renderTable(v any) string {
	table, ok := v.(partition.Table)
	if !ok {
		return renderValue(v)
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tTYPE\tOFFSET\tSIZE\tPRIORITY\tDADDR\tFLAGS\tVERSION\tIN USE")
	for _, p := range table {
		version := p.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%#08x\t%s\t%d\t%#08x\t%#08x\t%s\t%s\n",
			p.Index, p.Type, p.Offset, humanize.IBytes(uint64(p.Size)), p.Priority, p.DestAddr, p.Flags, version, p.InUse)
	}
	tw.Flush()
	return b.String()
}
