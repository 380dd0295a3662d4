// Package fake provides an in-memory node and transfer medium for tests.
package fake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/fly-io/fabricfw/pkg/partition"
	"github.com/fly-io/fabricfw/pkg/simg"
	"github.com/fly-io/fabricfw/pkg/transport"
)

// Medium is an in-memory tftp.Medium shared by fake nodes.
type Medium struct {
	mu     sync.Mutex
	files  map[string][]byte
	PutErr error
	Addr   string
}

func NewMedium() *Medium {
	return &Medium{files: make(map[string][]byte), Addr: "10.0.0.254:69"}
}

func (m *Medium) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	m.files[name] = append([]byte(nil), data...)
	return nil
}

// Get returns and removes a file.
func (m *Medium) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: no such file", name)
	}
	delete(m.files, name)
	return data, nil
}

func (m *Medium) Address(string) (string, error) {
	return m.Addr, nil
}

// Len returns the number of files held.
func (m *Medium) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

func (m *Medium) fetch(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	return data, ok
}

func (m *Medium) store(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
}

type job struct {
	polls  int
	status string
}

// Node simulates a controller. Uploaded SIMG images update the partition's
// priority and daddr the way the real firmware does. Exported fields may be
// set before use; they are guarded by the node's lock afterwards.
type Node struct {
	mu     sync.Mutex
	addr   string
	medium *Medium

	Table    partition.Table
	Contents map[int][]byte

	// PollsBeforeDone is how many polls report "In progress".
	PollsBeforeDone int
	// FinalStatus is the terminal status reported, "Complete" by default.
	FinalStatus string
	NoHandle    bool
	FailCheck   map[int]bool
	// Errors fails calls by method name, e.g. "StartWrite".
	Errors map[string]error

	FirmwareVersion string
	Controller      string
	Power           string
	Fabric          []string
	Resets          int

	Calls []string

	jobs    map[string]*job
	handles int
}

// NewNode returns a node at addr with a copy of table.
func NewNode(addr string, medium *Medium, table partition.Table) *Node {
	return &Node{
		addr:       addr,
		medium:     medium,
		Table:      append(partition.Table(nil), table...),
		Contents:   make(map[int][]byte),
		FailCheck:  make(map[int]bool),
		Errors:     make(map[string]error),
		Controller: "v1.5.0",
		Power:      transport.PowerOn,
		jobs:       make(map[string]*job),
	}
}

func (n *Node) Address() string {
	return n.addr
}

func (n *Node) call(name string, args ...any) error {
	parts := []string{name}
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	n.Calls = append(n.Calls, strings.Join(parts, " "))
	if err := n.Errors[name]; err != nil {
		return &transport.Error{Node: n.addr, Command: name, Err: err}
	}
	return nil
}

// CallNames returns the method names called so far.
func (n *Node) CallNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, len(n.Calls))
	for i, c := range n.Calls {
		names[i], _, _ = strings.Cut(c, " ")
	}
	return names
}

func (n *Node) PartitionTable(context.Context) (partition.Table, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("PartitionTable"); err != nil {
		return nil, err
	}
	return append(partition.Table(nil), n.Table...), nil
}

func (n *Node) slot(index int) (*partition.Partition, error) {
	for i := range n.Table {
		if n.Table[i].Index == index {
			return &n.Table[i], nil
		}
	}
	return nil, fmt.Errorf("no partition %d", index)
}

func (n *Node) newJob() string {
	if n.NoHandle {
		return ""
	}
	n.handles++
	h := strconv.Itoa(n.handles)
	status := n.FinalStatus
	if status == "" {
		status = transport.StatusComplete
	}
	n.jobs[h] = &job{polls: n.PollsBeforeDone, status: status}
	return h
}

func (n *Node) StartWrite(_ context.Context, filename string, index int, typeTag, tftpAddr string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("StartWrite", filename, index, typeTag, tftpAddr); err != nil {
		return "", err
	}
	p, err := n.slot(index)
	if err != nil {
		return "", &transport.Error{Node: n.addr, Command: "StartWrite", Err: err}
	}
	data, ok := n.medium.fetch(filename)
	if !ok {
		return "", &transport.Error{Node: n.addr, Command: "StartWrite", Err: fmt.Errorf("tftp: %s not found", filename)}
	}

	if simg.HasContainer(data) {
		if hdr, err := simg.ParseHeader(data); err == nil {
			p.Priority = uint32(hdr.Priority)
			p.DestAddr = hdr.DestAddr
			if hdr.Version != "" {
				p.Version = hdr.Version
			}
		}
	}
	n.Contents[index] = append([]byte(nil), data...)
	return n.newJob(), nil
}

func (n *Node) StartRead(_ context.Context, filename string, index int, typeTag, tftpAddr string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("StartRead", filename, index, typeTag, tftpAddr); err != nil {
		return "", err
	}
	if _, err := n.slot(index); err != nil {
		return "", &transport.Error{Node: n.addr, Command: "StartRead", Err: err}
	}
	n.medium.store(filename, n.Contents[index])
	return n.newJob(), nil
}

func (n *Node) Poll(_ context.Context, handle string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("Poll", handle); err != nil {
		return "", err
	}
	j, ok := n.jobs[handle]
	if !ok {
		return "", &transport.Error{Node: n.addr, Command: "Poll", Err: fmt.Errorf("unknown handle %q", handle)}
	}
	if j.polls > 0 {
		j.polls--
		return transport.StatusInProgress, nil
	}
	return j.status, nil
}

func (n *Node) Check(_ context.Context, index int) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("Check", index); err != nil {
		return false, err
	}
	return !n.FailCheck[index], nil
}

func (n *Node) Activate(_ context.Context, index int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("Activate", index); err != nil {
		return err
	}
	p, err := n.slot(index)
	if err != nil {
		return &transport.Error{Node: n.addr, Command: "Activate", Err: err}
	}
	p.Flags &^= 0x1
	return nil
}

func (n *Node) SetFirmwareVersion(_ context.Context, version string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("SetFirmwareVersion", version); err != nil {
		return err
	}
	n.FirmwareVersion = version
	return nil
}

func (n *Node) ControllerVersion(context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("ControllerVersion"); err != nil {
		return "", err
	}
	return n.Controller, nil
}

func (n *Node) PowerStatus(context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("PowerStatus"); err != nil {
		return "", err
	}
	return n.Power, nil
}

func (n *Node) SetPower(_ context.Context, state string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("SetPower", state); err != nil {
		return err
	}
	if state != transport.PowerReset {
		n.Power = state
	}
	return nil
}

func (n *Node) ResetController(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("ResetController"); err != nil {
		return err
	}
	n.Resets++
	return nil
}

func (n *Node) FabricAddresses(context.Context) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.call("FabricAddresses"); err != nil {
		return nil, err
	}
	return append([]string(nil), n.Fabric...), nil
}

var _ transport.Node = (*Node)(nil)
