// Package fleet runs one operation across many nodes with a bounded worker
// pool, collecting a result or an error for every node.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/metrics"
	"github.com/fly-io/fabricfw/pkg/transport"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent nodes when none is configured.
const DefaultParallelism = 64

// Operation runs against a single node.
type Operation func(ctx context.Context, node transport.Node, args any) (any, error)

// Dispatcher fans named operations out over nodes.
type Dispatcher struct {
	parallelism int
	delay       time.Duration
	ops         map[string]Operation
	metrics     *metrics.Recorder
}

// NewDispatcher creates a dispatcher. delay is applied by each worker before
// each node it handles.
func NewDispatcher(parallelism int, delay time.Duration, ops map[string]Operation, rec *metrics.Recorder) *Dispatcher {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if delay < 0 {
		delay = 0
	}
	registry := make(map[string]Operation, len(ops))
	for name, op := range ops {
		registry[name] = op
	}
	return &Dispatcher{parallelism: parallelism, delay: delay, ops: registry, metrics: rec}
}

// Operations lists the registered operation names.
func (d *Dispatcher) Operations() []string {
	names := make([]string, 0, len(d.ops))
	for name := range d.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandFailedError reports a run in which at least one node failed. Both
// maps are complete: every node appears in exactly one of them.
type CommandFailedError struct {
	Operation string
	Results   map[string]any
	Errors    map[string]error
}

func (e *CommandFailedError) Error() string {
	addrs := make([]string, 0, len(e.Errors))
	for addr := range e.Errors {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	const shown = 3
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed on %d of %d nodes", e.Operation, len(e.Errors), len(e.Errors)+len(e.Results))
	for i, addr := range addrs {
		if i == shown {
			fmt.Fprintf(&b, "; and %d more", len(addrs)-shown)
			break
		}
		fmt.Fprintf(&b, "; %s: %v", addr, e.Errors[addr])
	}
	return b.String()
}

func (e *CommandFailedError) Unwrap() error {
	return errors.ErrCommandFailed
}

// Command is a dispatch in progress.
type Command struct {
	operation string
	total     int
	done      chan struct{}

	mu      sync.Mutex
	results map[string]any
	errors  map[string]error
}

// Status returns how many nodes have finished out of the total.
func (c *Command) Status() (finished, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results) + len(c.errors), c.total
}

// Done is closed once every node has a result or an error.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the command finishes and returns a *CommandFailedError if
// any node failed.
func (c *Command) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) == 0 {
		return nil
	}
	return &CommandFailedError{
		Operation: c.operation,
		Results:   copyResults(c.results),
		Errors:    copyErrors(c.errors),
	}
}

// Results returns a snapshot of successful nodes.
func (c *Command) Results() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyResults(c.results)
}

// Errors returns a snapshot of failed nodes.
func (c *Command) Errors() map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyErrors(c.errors)
}

func (c *Command) record(addr string, result any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errors[addr] = err
		return
	}
	c.results[addr] = result
}

// Run dispatches and waits. On failure the returned error is a
// *CommandFailedError and the results map still holds every success.
func (d *Dispatcher) Run(ctx context.Context, nodes []transport.Node, operation string, args any) (map[string]any, error) {
	cmd := d.Start(ctx, nodes, operation, args)
	err := cmd.Wait()
	return cmd.Results(), err
}

// Start dispatches in the background. It never fails; an unknown operation
// is reported as an error for every node.
func (d *Dispatcher) Start(ctx context.Context, nodes []transport.Node, operation string, args any) *Command {
	nodes = dedupe(nodes)
	cmd := &Command{
		operation: operation,
		total:     len(nodes),
		done:      make(chan struct{}),
		results:   make(map[string]any),
		errors:    make(map[string]error),
	}

	op, ok := d.ops[operation]
	if !ok {
		err := fmt.Errorf("unknown operation %q", operation)
		for _, n := range nodes {
			cmd.record(n.Address(), nil, err)
		}
		close(cmd.done)
		return cmd
	}

	queue := make(chan transport.Node, len(nodes))
	for _, n := range nodes {
		queue <- n
	}
	close(queue)

	workers := min(d.parallelism, len(nodes))
	slog.Info("dispatch_start", "operation", operation, "nodes", len(nodes), "workers", workers, "delay", d.delay)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for node := range queue {
				result, err := d.invoke(ctx, op, node, args)
				d.metrics.ObserveOperation(operation, err)
				cmd.record(node.Address(), result, err)
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		finished, total := cmd.Status()
		slog.Info("dispatch_complete", "operation", operation, "finished", finished, "total", total, "failed", len(cmd.Errors()))
		close(cmd.done)
	}()
	return cmd
}

// invoke runs op on one node, turning panics into that node's error.
func (d *Dispatcher) invoke(ctx context.Context, op Operation, node transport.Node, args any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch_panic", "node", node.Address(), "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	if d.delay > 0 {
		t := time.NewTimer(d.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err = op(ctx, node, args)
	if err != nil {
		slog.Warn("dispatch_node_failed", "node", node.Address(), "error", err)
	}
	return result, err
}

// dedupe drops repeated addresses, keeping the first.
func dedupe(nodes []transport.Node) []transport.Node {
	seen := make(map[string]bool, len(nodes))
	out := make([]transport.Node, 0, len(nodes))
	for _, n := range nodes {
		if seen[n.Address()] {
			continue
		}
		seen[n.Address()] = true
		out = append(out, n)
	}
	return out
}

func copyResults(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyErrors(m map[string]error) map[string]error {
	out := make(map[string]error, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
