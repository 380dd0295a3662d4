package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Controller credentials and ipmitool invocation
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	IPMIToolPath   string        `mapstructure:"ipmitool-path"`
	IPMIInterface  string        `mapstructure:"ipmi-interface"`
	CommandTimeout time.Duration `mapstructure:"command-timeout"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`
	FSMEnabled bool   `mapstructure:"fsm-enabled"`

	// Working directory for TFTP staging and extracted packages
	WorkDir string `mapstructure:"work-dir"`

	// TFTP: an internal server bound to TFTPListen, or the external server
	// at TFTPServer when set.
	TFTPListen  string        `mapstructure:"tftp-listen"`
	TFTPServer  string        `mapstructure:"tftp-server"`
	TFTPTimeout time.Duration `mapstructure:"tftp-timeout"`

	// Fleet dispatch
	Parallelism int           `mapstructure:"parallelism"`
	Delay       time.Duration `mapstructure:"delay"`

	// Transfer state machine
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	TransferTimeout time.Duration `mapstructure:"transfer-timeout"`
	CDBSettleDelay  time.Duration `mapstructure:"cdb-settle-delay"`

	// S3 package source
	S3Region    string `mapstructure:"s3-region"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	MetricsFile string `mapstructure:"metrics-file"`
	LogLevel    string `mapstructure:"log-level"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`
}

// Defaults are applied to viper before any other source.
var Defaults = map[string]any{
	"username":              "admin",
	"password":              "admin",
	"ipmitool-path":         "ipmitool",
	"ipmi-interface":        "lanplus",
	"command-timeout":       30 * time.Second,
	"sqlite-path":           ".artifacts/history.db",
	"fsm-db-path":           ".artifacts/fsm",
	"fsm-enabled":           false,
	"work-dir":              "/tmp/fabricctl",
	"tftp-listen":           "0.0.0.0:0",
	"tftp-server":           "",
	"tftp-timeout":          5 * time.Second,
	"parallelism":           64,
	"delay":                 time.Duration(0),
	"poll-interval":         time.Second,
	"transfer-timeout":      180 * time.Second,
	"cdb-settle-delay":      9 * time.Second,
	"s3-region":             "us-east-1",
	"s3-anonymous":          true,
	"metrics-file":          "",
	"log-level":             "info",
	"max-file-size":         int64(256 * 1024 * 1024),
	"max-total-size":        int64(1024 * 1024 * 1024),
	"max-compression-ratio": 100.0,
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	for key, value := range Defaults {
		viper.SetDefault(key, value)
	}

	// Environment variables (FABRIC_WORK_DIR, etc.)
	viper.SetEnvPrefix("FABRIC")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("fabricctl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.fabricctl")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.IPMIToolPath == "" {
		return fmt.Errorf("ipmitool-path cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMEnabled && c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty when fsm-enabled is set")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.TFTPServer != "" {
		if _, _, err := net.SplitHostPort(c.TFTPServer); err != nil {
			return fmt.Errorf("tftp-server must be host:port: %w", err)
		}
	} else if c.TFTPListen == "" {
		return fmt.Errorf("one of tftp-listen or tftp-server must be set")
	} else if _, _, err := net.SplitHostPort(c.TFTPListen); err != nil {
		return fmt.Errorf("tftp-listen must be host:port: %w", err)
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay must be non-negative")
	}
	if c.CDBSettleDelay < 0 {
		return fmt.Errorf("cdb-settle-delay must be non-negative")
	}
	for name, d := range map[string]time.Duration{
		"command-timeout":  c.CommandTimeout,
		"tftp-timeout":     c.TFTPTimeout,
		"poll-interval":    c.PollInterval,
		"transfer-timeout": c.TransferTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log-level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
