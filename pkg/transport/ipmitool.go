package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/partition"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Options configure IPMITool nodes.
type Options struct {
	Path      string
	Interface string
	Username  string
	Password  string
	Timeout   time.Duration
	Runner    Runner
}

// DefaultOptions returns the settings used by the stock controller firmware.
func DefaultOptions() Options {
	return Options{
		Path:      "ipmitool",
		Interface: "lanplus",
		Username:  "admin",
		Password:  "admin",
		Timeout:   30 * time.Second,
	}
}

// IPMITool drives a node by invoking the ipmitool binary.
type IPMITool struct {
	addr string
	opts Options
}

// NewIPMITool returns a Node for the controller at addr.
func NewIPMITool(addr string, opts Options) *IPMITool {
	def := DefaultOptions()
	if opts.Path == "" {
		opts.Path = def.Path
	}
	if opts.Interface == "" {
		opts.Interface = def.Interface
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner
	}
	return &IPMITool{addr: addr, opts: opts}
}

func (n *IPMITool) Address() string {
	return n.addr
}

func (n *IPMITool) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	full := append([]string{
		"-I", n.opts.Interface,
		"-H", n.addr,
		"-U", n.opts.Username,
		"-P", n.opts.Password,
	}, args...)

	command := strings.Join(args, " ")
	slog.Debug("ipmitool_exec", "node", n.addr, "command", command)

	out, err := n.opts.Runner(ctx, n.opts.Path, full...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		slog.Error("ipmitool_failed", "node", n.addr, "command", command, "error", err)
		return "", &Error{Node: n.addr, Command: command, Output: text, Err: err}
	}
	return text, nil
}

func (n *IPMITool) PartitionTable(ctx context.Context) (partition.Table, error) {
	out, err := n.run(ctx, "cxoem", "fw", "info")
	if err != nil {
		return nil, err
	}
	table, err := ParseFirmwareInfo(out)
	if err != nil {
		return nil, &Error{Node: n.addr, Command: "cxoem fw info", Output: out, Err: err}
	}
	return table, nil
}

func (n *IPMITool) startTransfer(ctx context.Context, verb, filename string, index int, typeTag, tftpAddr string) (string, error) {
	out, err := n.run(ctx, "cxoem", "fw", verb, filename, strconv.Itoa(index), typeTag, "tftp", tftpAddr)
	if err != nil {
		return "", err
	}
	return ParseHandle(out), nil
}

func (n *IPMITool) StartWrite(ctx context.Context, filename string, index int, typeTag, tftpAddr string) (string, error) {
	return n.startTransfer(ctx, "put", filename, index, typeTag, tftpAddr)
}

func (n *IPMITool) StartRead(ctx context.Context, filename string, index int, typeTag, tftpAddr string) (string, error) {
	return n.startTransfer(ctx, "get", filename, index, typeTag, tftpAddr)
}

func (n *IPMITool) Poll(ctx context.Context, handle string) (string, error) {
	out, err := n.run(ctx, "cxoem", "fw", "status", handle)
	if err != nil {
		return "", err
	}
	status, ok := fields(out)["Status"]
	if !ok {
		return "", &Error{Node: n.addr, Command: "cxoem fw status", Output: out, Err: errors.New("no status in output")}
	}
	return status, nil
}

func (n *IPMITool) Check(ctx context.Context, index int) (bool, error) {
	out, err := n.run(ctx, "cxoem", "fw", "check", strconv.Itoa(index))
	if err != nil {
		return false, err
	}
	return ParseCheck(out), nil
}

func (n *IPMITool) Activate(ctx context.Context, index int) error {
	_, err := n.run(ctx, "cxoem", "fw", "activate", strconv.Itoa(index))
	return err
}

func (n *IPMITool) SetFirmwareVersion(ctx context.Context, version string) error {
	_, err := n.run(ctx, "cxoem", "fw", "version", version)
	return err
}

func (n *IPMITool) ControllerVersion(ctx context.Context) (string, error) {
	out, err := n.run(ctx, "cxoem", "info", "basic")
	if err != nil {
		return "", err
	}
	f := fields(out)
	for _, key := range []string{"ECME Version", "Firmware Version"} {
		if v, ok := f[key]; ok {
			return v, nil
		}
	}
	return "", &Error{Node: n.addr, Command: "cxoem info basic", Output: out, Err: errors.New("no controller version in output")}
}

func (n *IPMITool) PowerStatus(ctx context.Context) (string, error) {
	out, err := n.run(ctx, "chassis", "power", "status")
	if err != nil {
		return "", err
	}
	// "Chassis Power is on"
	parts := strings.Fields(out)
	if len(parts) == 0 {
		return "", &Error{Node: n.addr, Command: "chassis power status", Err: errors.New("empty output")}
	}
	return strings.ToLower(parts[len(parts)-1]), nil
}

func (n *IPMITool) SetPower(ctx context.Context, state string) error {
	switch state {
	case PowerOn, PowerOff, PowerReset:
	default:
		return fmt.Errorf("unknown power state %q", state)
	}
	_, err := n.run(ctx, "chassis", "power", state)
	return err
}

func (n *IPMITool) ResetController(ctx context.Context) error {
	_, err := n.run(ctx, "mc", "reset", "cold")
	return err
}

func (n *IPMITool) FabricAddresses(ctx context.Context) ([]string, error) {
	out, err := n.run(ctx, "cxoem", "fabric", "get", "ipinfo")
	if err != nil {
		return nil, err
	}
	return ParseIPInfo(out), nil
}

// fields collects "Key : Value" lines. Later keys overwrite earlier ones.
func fields(out string) map[string]string {
	f := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		f[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return f
}

var _ Node = (*IPMITool)(nil)
