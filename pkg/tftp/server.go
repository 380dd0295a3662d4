package tftp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/pin/tftp/v3"
)

// Server is an in-process TFTP server rooted at a working directory. Files
// handed to Put are served to nodes; files written by nodes are returned by Get.
type Server struct {
	root    string
	listen  string
	timeout time.Duration

	mu      sync.Mutex
	srv     *tftp.Server
	conn    net.PacketConn
	served  chan error
	written map[string]struct{}
}

// NewServer creates a server that will bind listen (e.g. "0.0.0.0:0") on Start.
func NewServer(root, listen string, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Server{
		root:    root,
		listen:  listen,
		timeout: timeout,
		written: make(map[string]struct{}),
	}
}

// Start binds the UDP socket and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return errors.Wrap(err, "failed to create tftp root")
	}

	conn, err := net.ListenPacket("udp", s.listen)
	if err != nil {
		return errors.Wrap(err, "failed to bind tftp server")
	}

	srv := tftp.NewServer(s.handleRead, s.handleWrite)
	srv.SetTimeout(s.timeout)

	s.srv, s.conn = srv, conn
	s.served = make(chan error, 1)
	go func() {
		s.served <- srv.Serve(conn)
	}()

	slog.Info("tftp_server_started", "addr", conn.LocalAddr().String(), "root", s.root)
	return nil
}

// Close stops the server and removes the files it created.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, conn, served := s.srv, s.conn, s.served
	s.srv, s.conn = nil, nil
	written := s.written
	s.written = make(map[string]struct{})
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	srv.Shutdown()
	_ = conn.Close()
	<-served

	for name := range written {
		_ = os.Remove(filepath.Join(s.root, name))
	}
	slog.Info("tftp_server_stopped", "root", s.root)
	return nil
}

// Port returns the bound UDP port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0
	}
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Address returns the server address as reachable from nodeAddr.
func (s *Server) Address(nodeAddr string) (string, error) {
	port := s.Port()
	if port == 0 {
		return "", errors.New("tftp server is not running")
	}

	host, _, err := net.SplitHostPort(s.listen)
	if err != nil {
		return "", errors.Wrap(err, "invalid tftp listen address")
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		local, err := localAddressFor(nodeAddr)
		if err != nil {
			return "", errors.Wrap(err, "failed to resolve local address for "+nodeAddr)
		}
		host = local.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Put stores data under name for a node to fetch.
func (s *Server) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.root, name), data, 0o644); err != nil {
		return errors.Wrap(err, "failed to stage "+name)
	}
	s.track(name)
	slog.Debug("tftp_put", "name", name, "bytes", len(data))
	return nil
}

// Get returns and removes a file a node has written to the server.
func (s *Server) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.root, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read "+name)
	}
	_ = os.Remove(path)
	s.mu.Lock()
	delete(s.written, name)
	s.mu.Unlock()
	slog.Debug("tftp_get", "name", name, "bytes", len(data))
	return data, nil
}

func (s *Server) track(name string) {
	s.mu.Lock()
	s.written[name] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) handleRead(filename string, rf io.ReaderFrom) error {
	name, err := cleanName(filename)
	if err != nil {
		slog.Warn("tftp_read_rejected", "name", filename, "error", err)
		return err
	}
	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		slog.Warn("tftp_read_missing", "name", name, "error", err)
		return err
	}
	defer f.Close()

	if ot, ok := rf.(tftp.OutgoingTransfer); ok {
		if fi, err := f.Stat(); err == nil {
			ot.SetSize(fi.Size())
		}
	}
	n, err := rf.ReadFrom(f)
	if err != nil {
		slog.Error("tftp_read_failed", "name", name, "error", err)
		return err
	}
	slog.Debug("tftp_read_complete", "name", name, "bytes", n)
	return nil
}

func (s *Server) handleWrite(filename string, wt io.WriterTo) error {
	name, err := cleanName(filename)
	if err != nil {
		slog.Warn("tftp_write_rejected", "name", filename, "error", err)
		return err
	}

	tmp, err := os.CreateTemp(s.root, "."+name+".*")
	if err != nil {
		return err
	}
	n, err := wt.WriteTo(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		slog.Error("tftp_write_failed", "name", name, "error", err)
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.root, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	s.track(name)
	slog.Debug("tftp_write_complete", "name", name, "bytes", n)
	return nil
}
