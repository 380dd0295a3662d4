package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fly-io/fabricfw/internal/config"
	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg      *config.Config
	logLevel *slog.LevelVar
)

var rootCmd = &cobra.Command{
	Use:   "fabricctl",
	Short: "Fleet firmware management for fabric controllers",
	Long: `Updates firmware, power and boot configuration across many ECMEs at once,
moving images over TFTP and driving each controller through ipmitool.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command. level is adjusted to the configured log level.
func Execute(level *slog.LevelVar) {
	logLevel = level
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("username", "U", "admin", "Controller username")
	flags.StringP("password", "P", "admin", "Controller password")
	flags.String("ipmitool-path", "ipmitool", "Path to the ipmitool binary")
	flags.String("ipmi-interface", "lanplus", "ipmitool interface")
	flags.Duration("command-timeout", 30*time.Second, "Timeout for one ipmitool call")
	flags.String("sqlite-path", ".artifacts/history.db", "SQLite history database path")
	flags.String("fsm-db-path", ".artifacts/fsm", "FSM state directory")
	flags.Bool("fsm-enabled", false, "Drive transfers through the durable state machine")
	flags.String("work-dir", "/tmp/fabricctl", "Working directory for staged images and packages")
	flags.String("tftp-listen", "0.0.0.0:0", "Bind address of the internal TFTP server")
	flags.String("tftp-server", "", "External TFTP server host:port (disables the internal server)")
	flags.Duration("tftp-timeout", 5*time.Second, "TFTP transfer timeout")
	flags.IntP("parallelism", "j", 64, "Maximum nodes worked on at once")
	flags.Duration("delay", 0, "Delay each worker waits before starting on a node")
	flags.Duration("poll-interval", time.Second, "Interval between transfer status polls")
	flags.Duration("transfer-timeout", 180*time.Second, "Deadline for a transfer to complete")
	flags.Duration("cdb-settle-delay", 9*time.Second, "Wait after starting a CDB transfer before polling")
	flags.String("s3-region", "us-east-1", "S3 region for s3:// packages")
	flags.Bool("s3-anonymous", true, "Fetch s3:// packages without credentials")
	flags.String("metrics-file", "", "Write Prometheus metrics to this file after each command")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Int64("max-file-size", 256*1024*1024, "Max size of one package file in bytes")
	flags.Int64("max-total-size", 1024*1024*1024, "Max total size of an extracted package")
	flags.Float64("max-compression-ratio", 100.0, "Max package archive compression ratio")

	for key := range config.Defaults {
		if f := flags.Lookup(key); f != nil {
			viper.BindPFlag(key, f)
		}
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if logLevel != nil {
		level, _ := c.Level()
		logLevel.Set(level)
	}
	cfg = c
	return nil
}
