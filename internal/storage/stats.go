package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StatValue is one recorded operational statistic, such as a node's check
// duration or a host resource reading.
type StatValue struct {
	Key        string          `json:"key"`
	Value      float64         `json:"value"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// StatsStore keeps last-write-wins operational statistics keyed by name.
type StatsStore interface {
	// Set records a statistic, replacing any previous value for the key.
	Set(ctx context.Context, key string, value float64, meta interface{}) error

	// Get returns the statistic for a key, or nil when absent.
	Get(ctx context.Context, key string) (*StatValue, error)

	// ListPrefix returns all statistics whose key starts with the prefix.
	ListPrefix(ctx context.Context, prefix string) ([]*StatValue, error)
}

// SQLiteStatsStore implements StatsStore using SQLite
type SQLiteStatsStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStatsStore creates the store and its table.
func NewSQLiteStatsStore(logger *zap.Logger, db *sql.DB) (*SQLiteStatsStore, error) {
	s := &SQLiteStatsStore{logger: logger, db: db}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStatsStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS stats (
			key TEXT PRIMARY KEY,
			value REAL NOT NULL,
			meta TEXT,
			recorded_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize stats table: %w", err)
	}
	return nil
}

// Set implements StatsStore.Set
func (s *SQLiteStatsStore) Set(ctx context.Context, key string, value float64, meta interface{}) error {
	var metaStr sql.NullString
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to marshal stat meta: %w", err)
		}
		metaStr = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stats (key, value, meta, recorded_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			meta = excluded.meta,
			recorded_at = excluded.recorded_at`,
		key, value, metaStr, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set stat %s: %w", key, err)
	}
	return nil
}

// Get implements StatsStore.Get
func (s *SQLiteStatsStore) Get(ctx context.Context, key string) (*StatValue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, meta, recorded_at FROM stats WHERE key = ?`, key)
	stat, err := scanStat(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return stat, nil
}

// ListPrefix implements StatsStore.ListPrefix
func (s *SQLiteStatsStore) ListPrefix(ctx context.Context, prefix string) ([]*StatValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, meta, recorded_at FROM stats
		WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list stats: %w", err)
	}
	defer rows.Close()

	var stats []*StatValue
	for rows.Next() {
		stat, err := scanStat(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

func scanStat(row rowScanner) (*StatValue, error) {
	var stat StatValue
	var meta sql.NullString
	if err := row.Scan(&stat.Key, &stat.Value, &meta, &stat.RecordedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan stat: %w", err)
	}
	if meta.Valid && meta.String != "" {
		stat.Meta = json.RawMessage(meta.String)
	}
	return &stat, nil
}
