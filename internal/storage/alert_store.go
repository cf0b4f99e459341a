package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/model"
)

var (
	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = errors.New("alert not found")

	// ErrSilenceArgs is returned when silencing lacks a duration or reason
	ErrSilenceArgs = errors.New("silencing requires a positive duration and a reason")
)

// UpsertOutcome describes what UpsertOpen did, so callers can decide
// whether a notification is warranted.
type UpsertOutcome struct {
	Alert           *model.Alert
	Created         bool
	SeverityChanged bool

	// Silenced is set when an active silence suppressed the upsert; Alert
	// is nil in that case.
	Silenced bool
}

// AlertStore maintains the alert lifecycle. Upsert and close run inside
// transactions so two overlapping evaluation passes can never create two
// OPEN alerts for the same (node, type, subtype) key; partial unique
// indexes back the invariant at the schema level.
type AlertStore interface {
	// UpsertOpen opens a new alert for the key or updates the existing OPEN
	// one in place. An active silence on the key suppresses both paths; a
	// silence whose window has lapsed is absorbed, reopening that row in
	// place instead of inserting a parallel OPEN alert.
	UpsertOpen(ctx context.Context, key model.AlertKey, title, description string, severity model.AlertSeverity) (*UpsertOutcome, error)

	// CloseResolved closes OPEN and SILENCED alerts for a node, optionally
	// narrowed by type and subtype (empty string matches any). Closing a
	// silenced alert also ends its silence window.
	CloseResolved(ctx context.Context, nodeID, alertType, alertSubtype string) ([]*model.Alert, error)

	// Silence transitions an OPEN alert to SILENCED for the given duration.
	// The acting identity and reason are mandatory.
	Silence(ctx context.Context, id, actor, reason string, duration time.Duration) (*model.Alert, error)

	// ExpireSilenced reactivates SILENCED alerts whose window has elapsed
	// and returns the reopened ones. A silenced row whose key already holds
	// an OPEN alert is closed instead; failures are isolated per row.
	ExpireSilenced(ctx context.Context, now time.Time) ([]*model.Alert, error)

	// Get returns an alert by id.
	Get(ctx context.Context, id string) (*model.Alert, error)

	// ListByNode returns a node's alerts in the given statuses.
	ListByNode(ctx context.Context, nodeID string, statuses ...model.AlertStatus) ([]*model.Alert, error)
}

// SQLiteAlertStore implements AlertStore using SQLite
type SQLiteAlertStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteAlertStore creates the store and its table.
func NewSQLiteAlertStore(logger *zap.Logger, db *sql.DB) (*SQLiteAlertStore, error) {
	s := &SQLiteAlertStore{logger: logger, db: db}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAlertStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			alert_subtype TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			first_occurred DATETIME NOT NULL,
			last_occurred DATETIME NOT NULL,
			resolved_at DATETIME,
			silenced_at DATETIME,
			silenced_until DATETIME,
			silenced_reason TEXT,
			silenced_by TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_key
			ON alerts(node_id, alert_type, alert_subtype) WHERE status = 'OPEN';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_silenced_key
			ON alerts(node_id, alert_type, alert_subtype) WHERE status = 'SILENCED';
		CREATE INDEX IF NOT EXISTS idx_alerts_node ON alerts(node_id, status);
		CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize alerts table: %w", err)
	}
	return nil
}

// UpsertOpen implements AlertStore.UpsertOpen
func (s *SQLiteAlertStore) UpsertOpen(ctx context.Context, key model.AlertKey, title, description string, severity model.AlertSeverity) (*UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	// An active silence suppresses re-alerting entirely, not just the
	// notification.
	silenced, err := s.findByKeyTx(ctx, tx, key, model.AlertStatusSilenced)
	if err != nil {
		return nil, err
	}
	if silenced != nil && silenced.CurrentlySilenced(now) {
		s.logger.Info("Alert is silenced, skipping creation/update",
			zap.String("node_id", key.NodeID),
			zap.String("alert_type", key.Type),
			zap.Timep("silenced_until", silenced.SilencedUntil))
		return &UpsertOutcome{Silenced: true}, nil
	}

	existing, err := s.findByKeyTx(ctx, tx, key, model.AlertStatusOpen)
	if err != nil {
		return nil, err
	}

	// A silenced row whose window lapsed is absorbed in place. Inserting a
	// parallel OPEN row here would later collide with the SILENCED one on
	// the OPEN uniqueness index when the expiry pass flips it.
	if silenced != nil && existing == nil {
		severityChanged := silenced.Severity != severity
		silenced.Status = model.AlertStatusOpen
		silenced.LastOccurred = now
		silenced.Description = description
		silenced.Severity = severity
		if _, err := tx.ExecContext(ctx, `
			UPDATE alerts SET status = 'OPEN', last_occurred = ?, description = ?, severity = ?
			WHERE id = ?`,
			now, description, string(severity), silenced.ID); err != nil {
			return nil, fmt.Errorf("failed to reopen alert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit alert reopen: %w", err)
		}
		s.logger.Info("Silence lapsed, alert reopened on re-fire",
			zap.String("id", silenced.ID),
			zap.String("node_id", key.NodeID),
			zap.String("alert_type", key.Type))
		return &UpsertOutcome{Alert: silenced, SeverityChanged: severityChanged}, nil
	}

	if existing != nil {
		severityChanged := existing.Severity != severity
		existing.LastOccurred = now
		existing.Description = description
		existing.Severity = severity
		if _, err := tx.ExecContext(ctx, `
			UPDATE alerts SET last_occurred = ?, description = ?, severity = ?
			WHERE id = ?`,
			now, description, string(severity), existing.ID); err != nil {
			return nil, fmt.Errorf("failed to update alert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit alert update: %w", err)
		}
		return &UpsertOutcome{Alert: existing, SeverityChanged: severityChanged}, nil
	}

	alert := &model.Alert{
		ID:            uuid.New().String(),
		NodeID:        key.NodeID,
		Type:          key.Type,
		Subtype:       key.Subtype,
		Title:         title,
		Description:   description,
		Severity:      severity,
		Status:        model.AlertStatusOpen,
		FirstOccurred: now,
		LastOccurred:  now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (
			id, node_id, alert_type, alert_subtype, title, description,
			severity, status, first_occurred, last_occurred
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.NodeID, alert.Type, alert.Subtype, alert.Title,
		alert.Description, string(alert.Severity), string(alert.Status),
		alert.FirstOccurred, alert.LastOccurred); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit alert creation: %w", err)
	}
	return &UpsertOutcome{Alert: alert, Created: true}, nil
}

// CloseResolved implements AlertStore.CloseResolved
func (s *SQLiteAlertStore) CloseResolved(ctx context.Context, nodeID, alertType, alertSubtype string) ([]*model.Alert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE node_id = ? AND status IN ('OPEN', 'SILENCED')`
	args := []interface{}{nodeID}
	if alertType != "" {
		query += " AND alert_type = ?"
		args = append(args, alertType)
	}
	if alertSubtype != "" {
		query += " AND alert_subtype = ?"
		args = append(args, alertSubtype)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, alert := range alerts {
		wasSilenced := alert.Status == model.AlertStatusSilenced
		alert.Status = model.AlertStatusClosed
		alert.ResolvedAt = &now
		if wasSilenced {
			// The issue resolved itself while silenced; end the window too.
			alert.SilencedUntil = &now
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE alerts SET status = 'CLOSED', resolved_at = ?,
				silenced_until = COALESCE(?, silenced_until)
			WHERE id = ?`,
			now, nullTimeIf(wasSilenced, now), alert.ID); err != nil {
			return nil, fmt.Errorf("failed to close alert: %w", err)
		}
		s.logger.Info("Closed alert",
			zap.String("id", alert.ID),
			zap.String("node_id", alert.NodeID),
			zap.String("alert_type", alert.Type),
			zap.Bool("was_silenced", wasSilenced))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit alert close: %w", err)
	}
	return alerts, nil
}

// Silence implements AlertStore.Silence
func (s *SQLiteAlertStore) Silence(ctx context.Context, id, actor, reason string, duration time.Duration) (*model.Alert, error) {
	if duration <= 0 || reason == "" {
		return nil, ErrSilenceArgs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	alert, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != model.AlertStatusOpen {
		return nil, fmt.Errorf("alert %s cannot be silenced in status %s", id, alert.Status)
	}

	now := time.Now()
	until := now.Add(duration)
	alert.Status = model.AlertStatusSilenced
	alert.SilencedAt = &now
	alert.SilencedUntil = &until
	alert.SilencedReason = reason
	alert.SilencedBy = actor

	if _, err := tx.ExecContext(ctx, `
		UPDATE alerts SET status = 'SILENCED', silenced_at = ?, silenced_until = ?,
			silenced_reason = ?, silenced_by = ?
		WHERE id = ?`,
		now, until, reason, actor, id); err != nil {
		return nil, fmt.Errorf("failed to silence alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit silence: %w", err)
	}

	s.logger.Info("Silenced alert",
		zap.String("id", id),
		zap.String("actor", actor),
		zap.Time("until", until))
	return alert, nil
}

// ExpireSilenced implements AlertStore.ExpireSilenced
func (s *SQLiteAlertStore) ExpireSilenced(ctx context.Context, now time.Time) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE status = 'SILENCED' AND silenced_until < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query silenced alerts: %w", err)
	}
	expired, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}

	var reopened []*model.Alert
	for _, alert := range expired {
		a, err := s.expireOne(ctx, alert.ID, now)
		if err != nil {
			// One bad row never blocks the rest of the pass.
			s.logger.Error("Failed to expire silence",
				zap.String("id", alert.ID),
				zap.Error(err))
			continue
		}
		if a != nil {
			reopened = append(reopened, a)
		}
	}
	return reopened, nil
}

// expireOne reactivates one lapsed silence, or closes it when the key was
// already reopened by evaluation. Returns nil when the row no longer
// qualifies.
func (s *SQLiteAlertStore) expireOne(ctx context.Context, id string, now time.Time) (*model.Alert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	alert, err := s.getTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if alert.Status != model.AlertStatusSilenced ||
		alert.SilencedUntil == nil || !alert.SilencedUntil.Before(now) {
		return nil, nil
	}

	open, err := s.findByKeyTx(ctx, tx, alert.Key(), model.AlertStatusOpen)
	if err != nil {
		return nil, err
	}
	if open != nil {
		// The key re-fired and holds an OPEN alert again; reactivating this
		// row would collide with the OPEN uniqueness index. Close it.
		if _, err := tx.ExecContext(ctx,
			`UPDATE alerts SET status = 'CLOSED', resolved_at = ? WHERE id = ?`,
			now, alert.ID); err != nil {
			return nil, fmt.Errorf("failed to close superseded alert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit silence expiry: %w", err)
		}
		s.logger.Info("Closed silenced alert superseded by an open one",
			zap.String("id", alert.ID),
			zap.String("node_id", alert.NodeID))
		return nil, nil
	}

	alert.Status = model.AlertStatusOpen
	if _, err := tx.ExecContext(ctx,
		`UPDATE alerts SET status = 'OPEN' WHERE id = ?`, alert.ID); err != nil {
		return nil, fmt.Errorf("failed to reactivate alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit silence expiry: %w", err)
	}
	s.logger.Info("Reactivated alert after silence period expired",
		zap.String("id", alert.ID),
		zap.String("node_id", alert.NodeID))
	return alert, nil
}

// Get implements AlertStore.Get
func (s *SQLiteAlertStore) Get(ctx context.Context, id string) (*model.Alert, error) {
	return s.getTx(ctx, s.db, id)
}

// ListByNode implements AlertStore.ListByNode
func (s *SQLiteAlertStore) ListByNode(ctx context.Context, nodeID string, statuses ...model.AlertStatus) ([]*model.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE node_id = ?`
	args := []interface{}{nodeID}
	if len(statuses) > 0 {
		query += " AND status IN ("
		for i, st := range statuses {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, string(st))
		}
		query += ")"
	}
	query += " ORDER BY last_occurred DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return scanAlerts(rows)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteAlertStore) getTx(ctx context.Context, q queryRower, id string) (*model.Alert, error) {
	row := q.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return alert, nil
}

func (s *SQLiteAlertStore) findByKeyTx(ctx context.Context, tx *sql.Tx, key model.AlertKey, status model.AlertStatus) (*model.Alert, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE node_id = ? AND alert_type = ? AND alert_subtype = ? AND status = ?`,
		key.NodeID, key.Type, key.Subtype, string(status))
	alert, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return alert, nil
}

const alertColumns = `id, node_id, alert_type, alert_subtype, title, description,
	severity, status, first_occurred, last_occurred, resolved_at,
	silenced_at, silenced_until, silenced_reason, silenced_by`

func scanAlert(row rowScanner) (*model.Alert, error) {
	var alert model.Alert
	var severity, status string
	var description, silencedReason, silencedBy sql.NullString
	var resolvedAt, silencedAt, silencedUntil sql.NullTime

	err := row.Scan(
		&alert.ID, &alert.NodeID, &alert.Type, &alert.Subtype, &alert.Title,
		&description, &severity, &status, &alert.FirstOccurred,
		&alert.LastOccurred, &resolvedAt, &silencedAt, &silencedUntil,
		&silencedReason, &silencedBy,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	alert.Description = description.String
	alert.Severity = model.AlertSeverity(severity)
	alert.Status = model.AlertStatus(status)
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if silencedAt.Valid {
		alert.SilencedAt = &silencedAt.Time
	}
	if silencedUntil.Valid {
		alert.SilencedUntil = &silencedUntil.Time
	}
	alert.SilencedReason = silencedReason.String
	alert.SilencedBy = silencedBy.String
	return &alert, nil
}

func nullTimeIf(cond bool, t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: cond}
}

func scanAlerts(rows *sql.Rows) ([]*model.Alert, error) {
	defer rows.Close()
	var alerts []*model.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}
