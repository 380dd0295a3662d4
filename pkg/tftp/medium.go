// Package tftp moves image bytes between this host and a node's controller.
package tftp

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"
)

// Medium is the byte pipe used for firmware transfers. Names are flat file
// names; Address is the "ip:port" a node should be told to contact.
type Medium interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Address(nodeAddr string) (string, error)
}

const transferMode = "octet"

// DefaultTimeout is the per-packet retransmission timeout.
const DefaultTimeout = 5 * time.Second

// cleanName rejects names that would escape a flat directory.
func cleanName(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid transfer name %q", name)
	}
	return name, nil
}

// localAddressFor returns the local IP whose route reaches nodeAddr. No packets
// are sent.
func localAddressFor(nodeAddr string) (net.IP, error) {
	host := nodeAddr
	if h, _, err := net.SplitHostPort(nodeAddr); err == nil {
		host = h
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, "623"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
