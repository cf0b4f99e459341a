package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/model"
)

// SweepHistoryStorage records every sweep run for operational review
type SweepHistoryStorage interface {
	// Store stores a sweep run record
	Store(ctx context.Context, run *model.SweepRun) error

	// Update updates an existing sweep run record
	Update(ctx context.Context, run *model.SweepRun) error

	// Get retrieves a sweep run record by ID
	Get(ctx context.Context, id string) (*model.SweepRun, error)

	// List retrieves sweep run records, newest first
	List(ctx context.Context, offset, limit int) ([]*model.SweepRun, error)

	// Count returns the total number of sweep run records
	Count(ctx context.Context) (int, error)

	// DeleteBefore deletes records older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) error
}

// SQLiteSweepHistory implements SweepHistoryStorage using SQLite
type SQLiteSweepHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteSweepHistory creates a new SQLite-based sweep history storage
func NewSQLiteSweepHistory(logger *zap.Logger, db *sql.DB) (*SQLiteSweepHistory, error) {
	s := &SQLiteSweepHistory{logger: logger, db: db}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSweepHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sweep_history (
			id TEXT PRIMARY KEY,
			started_at DATETIME NOT NULL,
			node_count INTEGER NOT NULL,
			scheduled_count INTEGER NOT NULL,
			estimated_duration INTEGER NOT NULL,
			status TEXT NOT NULL,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_sweep_history_started_at ON sweep_history(started_at);
		CREATE INDEX IF NOT EXISTS idx_sweep_history_status ON sweep_history(status);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize sweep history table: %w", err)
	}
	return nil
}

// Store implements SweepHistoryStorage.Store
func (s *SQLiteSweepHistory) Store(ctx context.Context, run *model.SweepRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_history (
			id, started_at, node_count, scheduled_count, estimated_duration, status
		) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt,
		run.NodeCount,
		run.ScheduledCount,
		int64(run.EstimatedDuration),
		string(run.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to store sweep run: %w", err)
	}
	return nil
}

// Update implements SweepHistoryStorage.Update
func (s *SQLiteSweepHistory) Update(ctx context.Context, run *model.SweepRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sweep_history SET status = ?, duration = ? WHERE id = ?`,
		string(run.Status),
		sql.NullInt64{Int64: int64(run.Duration), Valid: run.Duration != 0},
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sweep run: %w", err)
	}
	return nil
}

// Get implements SweepHistoryStorage.Get
func (s *SQLiteSweepHistory) Get(ctx context.Context, id string) (*model.SweepRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, node_count, scheduled_count, estimated_duration, status, duration
		FROM sweep_history WHERE id = ?`, id)
	run, err := scanSweepRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// List implements SweepHistoryStorage.List
func (s *SQLiteSweepHistory) List(ctx context.Context, offset, limit int) ([]*model.SweepRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, node_count, scheduled_count, estimated_duration, status, duration
		FROM sweep_history
		ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.SweepRun
	for rows.Next() {
		run, err := scanSweepRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// Count implements SweepHistoryStorage.Count
func (s *SQLiteSweepHistory) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sweep_history`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sweep runs: %w", err)
	}
	return count, nil
}

// DeleteBefore implements SweepHistoryStorage.DeleteBefore
func (s *SQLiteSweepHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sweep_history WHERE started_at < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to delete sweep runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old sweep history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

func scanSweepRun(row rowScanner) (*model.SweepRun, error) {
	var run model.SweepRun
	var status string
	var estimated int64
	var duration sql.NullInt64
	err := row.Scan(&run.ID, &run.StartedAt, &run.NodeCount, &run.ScheduledCount,
		&estimated, &status, &duration)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sweep run: %w", err)
	}
	run.EstimatedDuration = time.Duration(estimated)
	run.Status = model.SweepStatus(status)
	if duration.Valid {
		run.Duration = time.Duration(duration.Int64)
	}
	return &run, nil
}
