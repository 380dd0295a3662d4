package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fly-io/fabricfw/internal/config"
	"github.com/fly-io/fabricfw/pkg/db"
	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/fly-io/fabricfw/pkg/fleet"
	"github.com/fly-io/fabricfw/pkg/metrics"
	"github.com/fly-io/fabricfw/pkg/tftp"
	"github.com/fly-io/fabricfw/pkg/transfer"
	"github.com/fly-io/fabricfw/pkg/transport"
	"github.com/fly-io/fabricfw/pkg/update"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

// session holds what one command invocation needs: history, metrics, and,
// for commands that move images, a TFTP medium and transfer engine.
type session struct {
	cfg        *config.Config
	repo       *db.Repository
	metrics    *metrics.Recorder
	server     *tftp.Server
	manager    *fsm.Manager
	updater    *update.Updater
	dispatcher *fleet.Dispatcher
}

// openSession prepares a session. withMedium starts the TFTP side channel.
func openSession(ctx context.Context, cfg *config.Config, withMedium bool) (*session, error) {
	if err := ensureDirectories(cfg.SQLitePath, "", cfg.WorkDir); err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, metrics: metrics.New()}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	s.repo = repo

	if withMedium {
		if err := s.startEngine(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.dispatcher = fleet.NewDispatcher(cfg.Parallelism, cfg.Delay, fleet.Operations(s.updater), s.metrics)
	return s, nil
}

func (s *session) startEngine(ctx context.Context) error {
	var medium tftp.Medium
	if s.cfg.TFTPServer != "" {
		client, err := tftp.NewClient(s.cfg.TFTPServer, s.cfg.TFTPTimeout)
		if err != nil {
			return errors.Wrap(err, "TFTP client failed")
		}
		medium = client
	} else {
		s.server = tftp.NewServer(filepath.Join(s.cfg.WorkDir, "tftp"), s.cfg.TFTPListen, s.cfg.TFTPTimeout)
		if err := s.server.Start(); err != nil {
			return errors.Wrap(err, "TFTP server failed")
		}
		medium = s.server
	}

	engine := transfer.NewEngine(medium, transfer.Settings{
		PollInterval: s.cfg.PollInterval,
		Timeout:      s.cfg.TransferTimeout,
		CDBSettle:    s.cfg.CDBSettleDelay,
	}, s.metrics)

	if s.cfg.FSMEnabled {
		if err := ensureDirectories("", s.cfg.FSMDBPath, ""); err != nil {
			return err
		}
		manager, err := fsm.New(fsm.Config{DBPath: s.cfg.FSMDBPath})
		if err != nil {
			return errors.Wrap(err, "FSM manager failed")
		}
		s.manager = manager
		if err := engine.Register(ctx, manager); err != nil {
			return errors.Wrap(err, "FSM register failed")
		}
	}

	s.updater = update.New(engine)
	return nil
}

// Close releases everything the session opened and writes metrics.
func (s *session) Close() {
	if s.manager != nil {
		s.manager.Shutdown(10 * time.Second)
	}
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			slog.Warn("tftp_server_close_failed", "error", err)
		}
	}
	if s.repo != nil {
		s.repo.Close()
	}
	if err := s.metrics.WriteFile(s.cfg.MetricsFile); err != nil {
		slog.Warn("metrics_write_failed", "path", s.cfg.MetricsFile, "error", err)
	}
}

// node builds a transport for one controller.
func (s *session) node(addr string) transport.Node {
	return transport.NewIPMITool(addr, transport.Options{
		Path:      s.cfg.IPMIToolPath,
		Interface: s.cfg.IPMIInterface,
		Username:  s.cfg.Username,
		Password:  s.cfg.Password,
		Timeout:   s.cfg.CommandTimeout,
	})
}

// nodes resolves host arguments. With allNodes, the first host's fabric
// membership replaces the list.
func (s *session) nodes(ctx context.Context, hosts []string, allNodes bool) ([]transport.Node, error) {
	addrs, err := fleet.ParseHosts(hosts...)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no hosts given")
	}
	if allNodes {
		addrs, err = fleet.FabricNodes(ctx, s.node(addrs[0]))
		if err != nil {
			return nil, errors.Wrap(err, "failed to list fabric nodes")
		}
		slog.Info("fabric_nodes_resolved", "count", len(addrs))
	}

	nodes := make([]transport.Node, len(addrs))
	for i, addr := range addrs {
		nodes[i] = s.node(addr)
	}
	return nodes, nil
}

// outcome is one dispatched command's per-node results.
type outcome struct {
	RunID   string
	Results map[string]any
	Errors  map[string]error
}

// dispatch runs op across nodes and records it in the history database.
func (s *session) dispatch(ctx context.Context, op string, nodes []transport.Node, args any) *outcome {
	run, err := s.repo.StartRun(ctx, op, len(nodes))
	if err != nil {
		slog.Warn("history_record_failed", "operation", op, "error", err)
	}

	cmd := s.dispatcher.Start(ctx, nodes, op, args)
	<-cmd.Done()
	out := &outcome{Results: cmd.Results(), Errors: cmd.Errors()}

	if run != nil {
		out.RunID = run.ID
		if err := recordTransfers(ctx, s.repo, run.ID, out); err != nil {
			slog.Warn("history_record_failed", "run_id", run.ID, "error", err)
		}
		var summary string
		if err := cmd.Wait(); err != nil {
			summary = err.Error()
		}
		if err := s.repo.FinishRun(ctx, run.ID, len(out.Errors), summary); err != nil {
			slog.Warn("history_record_failed", "run_id", run.ID, "error", err)
		}
	}
	return out
}

// recordTransfers stores the per-transfer rows of update reports, including
// those carried by failed nodes.
func recordTransfers(ctx context.Context, repo *db.Repository, runID string, out *outcome) error {
	var reports []*update.Report
	for _, res := range out.Results {
		if r, ok := res.(*update.Report); ok {
			reports = append(reports, r)
		}
	}
	for _, err := range out.Errors {
		var uerr *update.Error
		if errors.As(err, &uerr) && uerr.Report != nil {
			reports = append(reports, uerr.Report)
		}
	}

	for _, r := range reports {
		for _, t := range r.Transfers {
			if err := repo.AddTransfer(ctx, &db.Transfer{
				RunID:     runID,
				Node:      r.Node,
				ImageType: string(t.Type),
				Partition: t.Partition,
				Priority:  t.Priority,
				Status:    db.TransferComplete,
			}); err != nil {
				return err
			}
		}
		for _, f := range r.Failures {
			if err := repo.AddTransfer(ctx, &db.Transfer{
				RunID:        runID,
				Node:         r.Node,
				ImageType:    string(f.Type),
				Partition:    f.Partition,
				Priority:     r.Priority,
				Status:       db.TransferFailed,
				ErrorMessage: f.Err.Error(),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	if sqlitePath != "" {
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return errors.Wrap(err, "failed to create database directory")
		}
	}

	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

func addHostFlags(cmd *cobra.Command) {
	cmd.Flags().BoolP("all-nodes", "a", false, "Expand the first host to every node on its fabric")
}

// withNodes opens a session, resolves hosts and calls fn.
func withNodes(cmd *cobra.Command, hosts []string, withMedium bool, fn func(context.Context, *session, []transport.Node) error) error {
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, cfg, withMedium)
	if err != nil {
		return err
	}
	defer s.Close()

	allNodes, _ := cmd.Flags().GetBool("all-nodes")
	nodes, err := s.nodes(ctx, hosts, allNodes)
	if err != nil {
		return err
	}
	return fn(ctx, s, nodes)
}
