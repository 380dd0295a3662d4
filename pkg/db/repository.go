package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fly-io/fabricfw/pkg/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Repository provides run history operations
type Repository struct {
	db *sql.DB
}

// NewRepository opens (creating if needed) the history database at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create database dir")
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// Fleet workers record concurrently; one connection serializes writers.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// StartRun inserts a running run and returns it with a fresh id.
func (r *Repository) StartRun(ctx context.Context, operation string, nodeCount int) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Operation: operation,
		NodeCount: nodeCount,
		Status:    StatusRunning,
	}
	slog.Info("database_create_run", "run_id", run.ID, "operation", operation, "node_count", nodeCount)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (id, operation, node_count, status) VALUES (?, ?, ?, ?)`,
		run.ID, run.Operation, run.NodeCount, run.Status)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", run.ID, "error", err)
		return nil, errors.Wrap(err, "failed to insert run")
	}
	return run, nil
}

// FinishRun marks a run succeeded, or failed when failedNodes is non-zero.
func (r *Repository) FinishRun(ctx context.Context, id string, failedNodes int, errorMessage string) error {
	status := StatusSucceeded
	if failedNodes > 0 {
		status = StatusFailed
	}
	slog.Info("database_finish_run", "run_id", id, "status", status, "failed_nodes", failedNodes)

	result, err := r.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, failed_nodes = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, failedNodes, errorMessage, id)
	if err != nil {
		slog.Error("database_update_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to finish run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_run_not_found_for_update", "run_id", id)
		return fmt.Errorf("run not found: id=%s", id)
	}
	return nil
}

// AddTransfer records one transfer of a run.
func (r *Repository) AddTransfer(ctx context.Context, t *Transfer) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers (run_id, node, image_type, partition, priority, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.RunID, t.Node, t.ImageType, t.Partition, t.Priority, t.Status, t.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", t.RunID, "node", t.Node, "error", err)
		return errors.Wrap(err, "failed to insert transfer")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	t.ID = id
	return nil
}

// GetRun retrieves a run by id. It returns nil, nil when there is none.
func (r *Repository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, operation, node_count, status, failed_nodes, error_message, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		slog.Info("database_run_not_found", "run_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	slog.Debug("database_list_runs", "limit", limit)
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, operation, node_count, status, failed_nodes, error_message, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

// Transfers returns the transfers of a run in insertion order.
func (r *Repository) Transfers(ctx context.Context, runID string) ([]*Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, node, image_type, partition, priority, status, error_message, created_at
		FROM transfers WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		slog.Error("database_list_query_failed", "run_id", runID, "error", err)
		return nil, errors.Wrap(err, "failed to list transfers")
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		var t Transfer
		var errorMessage sql.NullString
		if err := rows.Scan(&t.ID, &t.RunID, &t.Node, &t.ImageType, &t.Partition,
			&t.Priority, &t.Status, &errorMessage, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		t.ErrorMessage = errorMessage.String
		transfers = append(transfers, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return transfers, nil
}

// DeleteRun removes a run and its transfers.
func (r *Repository) DeleteRun(ctx context.Context, id string) error {
	slog.Info("database_delete_run", "run_id", id)
	if _, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to delete run")
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var errorMessage, finishedAt sql.NullString
	err := s.Scan(&run.ID, &run.Operation, &run.NodeCount, &run.Status, &run.FailedNodes,
		&errorMessage, &run.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.ErrorMessage = errorMessage.String
	run.FinishedAt = finishedAt.String
	return &run, nil
}
