package ubootenv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fly-io/fabricfw/pkg/errors"
)

// Boot order tokens.
const (
	BootPXE   = "pxe"
	BootDisk  = "disk"
	BootRetry = "retry"
	BootReset = "reset"
)

const (
	cmdPXE       = "run bootcmd_pxe"
	cmdSATA      = "run bootcmd_sata"
	cmdReset     = "reset"
	cmdSeparator = "; "
)

// BootOrder interprets the default boot command of vars as a list of boot
// tokens. Interpretation stops at the first retry or reset.
func BootOrder(vars map[string]string) ([]string, error) {
	bootcmd, ok := vars[BootCommandVar]
	if !ok {
		return nil, errors.Newf(errors.ErrNoBootCommand, "%s is not set", BootCommandVar)
	}

	order := []string{}
	for _, command := range strings.Split(bootcmd, ";") {
		command = strings.TrimSpace(command)
		if command == "" {
			continue
		}

		retry := false
		if strings.HasPrefix(command, "while true") {
			inner, ok := unwrapLoop(command)
			if !ok {
				return nil, errors.Newf(errors.ErrUnknownBootCommand, "%q", command)
			}
			command, retry = inner, true
		}

		switch {
		case command == cmdPXE:
			order = append(order, BootPXE)
		case command == cmdSATA:
			order = append(order, BootDisk)
		case strings.HasPrefix(command, "setenv bootdevice "):
			fields := strings.Fields(command)
			if len(fields) != 6 || fields[3] != "&&" || fields[4]+" "+fields[5] != cmdSATA {
				return nil, errors.Newf(errors.ErrUnknownBootCommand, "%q", command)
			}
			order = append(order, BootDisk+fields[2])
		case command == cmdReset && !retry:
			return append(order, BootReset), nil
		default:
			return nil, errors.Newf(errors.ErrUnknownBootCommand, "%q", command)
		}

		if retry {
			return append(order, BootRetry), nil
		}
	}
	return order, nil
}

// SetBootOrder encodes order into the default boot command of vars.
func SetBootOrder(vars map[string]string, order []string) error {
	var commands []string
	retry, reset := false, false

	for _, token := range order {
		switch {
		case token == BootRetry:
			retry = true
		case token == BootReset:
			reset = true
		case token == BootPXE:
			commands = append(commands, cmdPXE)
		case token == BootDisk:
			commands = append(commands, cmdSATA)
		case strings.HasPrefix(token, BootDisk):
			device, err := parseDevice(strings.TrimPrefix(token, BootDisk))
			if err != nil {
				return errors.Newf(errors.ErrInvalidBootOrder, "%q: %v", token, err)
			}
			commands = append(commands, fmt.Sprintf("setenv bootdevice %s && %s", device, cmdSATA))
		default:
			return errors.Newf(errors.ErrInvalidBootOrder, "unknown boot token %q", token)
		}
	}

	switch {
	case retry && reset:
		return errors.Newf(errors.ErrInvalidBootOrder, "%s and %s are mutually exclusive", BootRetry, BootReset)
	case retry && len(commands) == 0:
		return errors.Newf(errors.ErrInvalidBootOrder, "%s needs a boot device to repeat", BootRetry)
	case retry:
		last := len(commands) - 1
		commands[last] = "while true\ndo\n" + commands[last] + "\ndone"
	case reset:
		commands = append(commands, cmdReset)
	}

	vars[BootCommandVar] = strings.Join(commands, cmdSeparator)
	return nil
}

// unwrapLoop extracts the command repeated by a "while true" loop.
func unwrapLoop(command string) (string, bool) {
	lines := strings.Split(command, "\n")
	if len(lines) != 4 || strings.TrimSpace(lines[1]) != "do" || strings.TrimSpace(lines[3]) != "done" {
		return "", false
	}
	return strings.TrimSpace(lines[2]), true
}

// parseDevice validates a "N" or "N:M" disk device suffix.
func parseDevice(s string) (string, error) {
	dev, part, hasPart := strings.Cut(s, ":")
	d, err := strconv.ParseUint(dev, 10, 8)
	if err != nil {
		return "", fmt.Errorf("bad device number %q", dev)
	}
	if !hasPart {
		return strconv.FormatUint(d, 10), nil
	}
	p, err := strconv.ParseUint(part, 10, 8)
	if err != nil {
		return "", fmt.Errorf("bad partition number %q", part)
	}
	return fmt.Sprintf("%d:%d", d, p), nil
}
