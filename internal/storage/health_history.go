package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/model"
)

// HealthHistoryStore persists the append-only health samples the alert
// engine aggregates over.
type HealthHistoryStore interface {
	// Append stores a new sample. Samples are never mutated afterwards.
	Append(ctx context.Context, sample *model.HealthSample) error

	// Latest returns the most recent sample for a node, or nil when none.
	Latest(ctx context.Context, nodeID string) (*model.HealthSample, error)

	// ResponseTimesSince returns the response times of samples recorded at
	// or after the given time, newest first. Samples without a response
	// time are skipped.
	ResponseTimesSince(ctx context.Context, nodeID string, since time.Time) ([]float64, error)

	// DeleteBefore prunes samples older than the given time and returns the
	// number deleted.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteHealthHistory implements HealthHistoryStore using SQLite
type SQLiteHealthHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteHealthHistory creates the store and its table.
func NewSQLiteHealthHistory(logger *zap.Logger, db *sql.DB) (*SQLiteHealthHistory, error) {
	s := &SQLiteHealthHistory{logger: logger, db: db}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteHealthHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS health_samples (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			response_time_ms REAL,
			details TEXT,
			error_message TEXT,
			timestamp DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_health_samples_node_time
			ON health_samples(node_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_health_samples_timestamp
			ON health_samples(timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize health samples table: %w", err)
	}
	return nil
}

// Append implements HealthHistoryStore.Append
func (s *SQLiteHealthHistory) Append(ctx context.Context, sample *model.HealthSample) error {
	if sample.ID == "" {
		sample.ID = uuid.New().String()
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	details, err := json.Marshal(sample.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal sample details: %w", err)
	}

	var responseTime sql.NullFloat64
	if sample.ResponseTimeMs != nil {
		responseTime = sql.NullFloat64{Float64: *sample.ResponseTimeMs, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_samples (
			id, node_id, status, response_time_ms, details, error_message, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sample.ID,
		sample.NodeID,
		string(sample.Status),
		responseTime,
		string(details),
		sql.NullString{String: sample.ErrorMessage, Valid: sample.ErrorMessage != ""},
		sample.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to store health sample: %w", err)
	}
	return nil
}

// Latest implements HealthHistoryStore.Latest
func (s *SQLiteHealthHistory) Latest(ctx context.Context, nodeID string) (*model.HealthSample, error) {
	var sample model.HealthSample
	var status string
	var responseTime sql.NullFloat64
	var details, errorMsg sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, status, response_time_ms, details, error_message, timestamp
		FROM health_samples
		WHERE node_id = ?
		ORDER BY timestamp DESC LIMIT 1`, nodeID).Scan(
		&sample.ID,
		&sample.NodeID,
		&status,
		&responseTime,
		&details,
		&errorMsg,
		&sample.Timestamp,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan health sample: %w", err)
	}

	sample.Status = model.HealthStatus(status)
	if responseTime.Valid {
		sample.ResponseTimeMs = &responseTime.Float64
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &sample.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample details: %w", err)
		}
	}
	sample.ErrorMessage = errorMsg.String
	return &sample, nil
}

// ResponseTimesSince implements HealthHistoryStore.ResponseTimesSince
func (s *SQLiteHealthHistory) ResponseTimesSince(ctx context.Context, nodeID string, since time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT response_time_ms FROM health_samples
		WHERE node_id = ? AND timestamp >= ? AND response_time_ms IS NOT NULL
		ORDER BY timestamp DESC`, nodeID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query response times: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan response time: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// DeleteBefore implements HealthHistoryStore.DeleteBefore
func (s *SQLiteHealthHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM health_samples WHERE timestamp < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete health samples: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old health samples",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
