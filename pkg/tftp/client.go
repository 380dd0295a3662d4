package tftp

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/pin/tftp/v3"
)

// Client uses an external TFTP server that nodes can also reach.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient returns a client for the server at addr ("host:port").
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	if _, err := tftp.NewClient(addr); err != nil {
		return nil, errors.Wrap(err, "invalid tftp server address")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}, nil
}

func (c *Client) dial() (*tftp.Client, error) {
	cl, err := tftp.NewClient(c.addr)
	if err != nil {
		return nil, err
	}
	cl.SetTimeout(c.timeout)
	return cl, nil
}

// Put uploads data to the server under name.
func (c *Client) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	cl, err := c.dial()
	if err != nil {
		return errors.Wrap(err, "failed to create tftp client")
	}
	rf, err := cl.Send(name, transferMode)
	if err != nil {
		return errors.Wrap(err, "tftp send "+name)
	}
	if _, err := rf.ReadFrom(bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, "tftp upload "+name)
	}
	slog.Debug("tftp_client_put", "server", c.addr, "name", name, "bytes", len(data))
	return nil
}

// Get downloads name from the server.
func (c *Client) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	cl, err := c.dial()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tftp client")
	}
	wt, err := cl.Receive(name, transferMode)
	if err != nil {
		return nil, errors.Wrap(err, "tftp receive "+name)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "tftp download "+name)
	}
	slog.Debug("tftp_client_get", "server", c.addr, "name", name, "bytes", buf.Len())
	return buf.Bytes(), nil
}

// Address returns the configured server address; nodes reach it directly.
func (c *Client) Address(string) (string, error) {
	return c.addr, nil
}
