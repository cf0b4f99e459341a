package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsarch/nodewatch/internal/model"
)

// NodeStore defines topology access as the engine needs it. Topology CRUD
// itself belongs to external management; the engine enumerates active nodes,
// reads link policy, and writes back health state.
type NodeStore interface {
	// ListActiveNodes returns all active nodes with their endpoints loaded.
	ListActiveNodes(ctx context.Context) ([]*model.Node, error)

	// GetNode returns an active node with endpoints, or nil when absent.
	GetNode(ctx context.Context, id string) (*model.Node, error)

	// GetLink returns a link, or nil when absent.
	GetLink(ctx context.Context, id string) (*model.Link, error)

	// UpdateNodeHealth sets a node's health status and last check time.
	UpdateNodeHealth(ctx context.Context, nodeID string, status model.HealthStatus, checkedAt time.Time) error

	// UpdateEndpointHealth records the last-known health of an endpoint.
	UpdateEndpointHealth(ctx context.Context, endpointID string, healthy bool) error

	// CreateLink, CreateNode and AttachEndpoint exist for seeding and tests.
	CreateLink(ctx context.Context, link *model.Link) error
	CreateNode(ctx context.Context, node *model.Node) error

	// AttachEndpoint associates an endpoint with a node, reusing an existing
	// endpoint record when the (host, port) pair is already known.
	AttachEndpoint(ctx context.Context, nodeID string, endpoint *model.Endpoint) error
}

// SQLiteNodeStore implements NodeStore using SQLite
type SQLiteNodeStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteNodeStore creates the store and its tables.
func NewSQLiteNodeStore(logger *zap.Logger, db *sql.DB) (*SQLiteNodeStore, error) {
	s := &SQLiteNodeStore{logger: logger, db: db}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteNodeStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS links (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			check_single_point_risk INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			link_id TEXT NOT NULL REFERENCES links(id),
			health_status TEXT NOT NULL DEFAULT 'unknown',
			last_check_time DATETIME,
			active INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			port INTEGER,
			ping_disabled INTEGER NOT NULL DEFAULT 0,
			healthy INTEGER,
			remarks TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_endpoints_host_port
			ON endpoints(host, port) WHERE port IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_endpoints_host_only
			ON endpoints(host) WHERE port IS NULL;
		CREATE TABLE IF NOT EXISTS node_endpoints (
			node_id TEXT NOT NULL REFERENCES nodes(id),
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id),
			PRIMARY KEY (node_id, endpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_nodes_link ON nodes(link_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize topology tables: %w", err)
	}
	return nil
}

// ListActiveNodes implements NodeStore.ListActiveNodes
func (s *SQLiteNodeStore) ListActiveNodes(ctx context.Context) ([]*model.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, link_id, health_status, last_check_time, active
		FROM nodes WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	for _, node := range nodes {
		if err := s.loadEndpoints(ctx, node); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// GetNode implements NodeStore.GetNode
func (s *SQLiteNodeStore) GetNode(ctx context.Context, id string) (*model.Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, link_id, health_status, last_check_time, active
		FROM nodes WHERE id = ? AND active = 1`, id)

	node, err := scanNode(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := s.loadEndpoints(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// GetLink implements NodeStore.GetLink
func (s *SQLiteNodeStore) GetLink(ctx context.Context, id string) (*model.Link, error) {
	var link model.Link
	var risk, active int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, check_single_point_risk, active FROM links WHERE id = ?`, id).
		Scan(&link.ID, &link.Name, &risk, &active)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan link: %w", err)
	}
	link.CheckSinglePointRisk = risk != 0
	link.Active = active != 0
	return &link, nil
}

// UpdateNodeHealth implements NodeStore.UpdateNodeHealth
func (s *SQLiteNodeStore) UpdateNodeHealth(ctx context.Context, nodeID string, status model.HealthStatus, checkedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET health_status = ?, last_check_time = ? WHERE id = ?`,
		string(status), checkedAt, nodeID)
	if err != nil {
		return fmt.Errorf("failed to update node health: %w", err)
	}
	return nil
}

// UpdateEndpointHealth implements NodeStore.UpdateEndpointHealth
func (s *SQLiteNodeStore) UpdateEndpointHealth(ctx context.Context, endpointID string, healthy bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET healthy = ? WHERE id = ?`, healthy, endpointID)
	if err != nil {
		return fmt.Errorf("failed to update endpoint health: %w", err)
	}
	return nil
}

// CreateLink implements NodeStore.CreateLink
func (s *SQLiteNodeStore) CreateLink(ctx context.Context, link *model.Link) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO links (id, name, check_single_point_risk, active)
		VALUES (?, ?, ?, ?)`,
		link.ID, link.Name, link.CheckSinglePointRisk, link.Active)
	if err != nil {
		return fmt.Errorf("failed to create link: %w", err)
	}
	return nil
}

// CreateNode implements NodeStore.CreateNode
func (s *SQLiteNodeStore) CreateNode(ctx context.Context, node *model.Node) error {
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.HealthStatus == "" {
		node.HealthStatus = model.HealthStatusUnknown
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, link_id, health_status, active)
		VALUES (?, ?, ?, ?, ?)`,
		node.ID, node.Name, node.LinkID, string(node.HealthStatus), node.Active)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	for i := range node.Endpoints {
		if err := s.AttachEndpoint(ctx, node.ID, &node.Endpoints[i]); err != nil {
			return err
		}
	}
	return nil
}

// AttachEndpoint implements NodeStore.AttachEndpoint. Endpoints are shared:
// an existing (host, port) record is referenced instead of duplicated.
func (s *SQLiteNodeStore) AttachEndpoint(ctx context.Context, nodeID string, endpoint *model.Endpoint) error {
	var existingID string
	var err error
	if endpoint.Port != nil {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM endpoints WHERE host = ? AND port = ?`,
			endpoint.Host, *endpoint.Port).Scan(&existingID)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM endpoints WHERE host = ? AND port IS NULL`,
			endpoint.Host).Scan(&existingID)
	}

	switch {
	case err == sql.ErrNoRows:
		if endpoint.ID == "" {
			endpoint.ID = uuid.New().String()
		}
		var port sql.NullInt64
		if endpoint.Port != nil {
			port = sql.NullInt64{Int64: int64(*endpoint.Port), Valid: true}
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO endpoints (id, host, port, ping_disabled, remarks)
			VALUES (?, ?, ?, ?, ?)`,
			endpoint.ID, endpoint.Host, port, endpoint.PingDisabled, endpoint.Remarks); err != nil {
			return fmt.Errorf("failed to create endpoint: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up endpoint: %w", err)
	default:
		endpoint.ID = existingID
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO node_endpoints (node_id, endpoint_id)
		VALUES (?, ?)`, nodeID, endpoint.ID); err != nil {
		return fmt.Errorf("failed to attach endpoint: %w", err)
	}
	return nil
}

func (s *SQLiteNodeStore) loadEndpoints(ctx context.Context, node *model.Node) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.host, e.port, e.ping_disabled, e.healthy, e.remarks
		FROM endpoints e
		JOIN node_endpoints ne ON ne.endpoint_id = e.id
		WHERE ne.node_id = ?
		ORDER BY e.host, e.port`, node.ID)
	if err != nil {
		return fmt.Errorf("failed to load endpoints: %w", err)
	}
	defer rows.Close()

	node.Endpoints = nil
	for rows.Next() {
		var ep model.Endpoint
		var port sql.NullInt64
		var healthy sql.NullBool
		var remarks sql.NullString
		var pingDisabled int
		if err := rows.Scan(&ep.ID, &ep.Host, &port, &pingDisabled, &healthy, &remarks); err != nil {
			return fmt.Errorf("failed to scan endpoint: %w", err)
		}
		if port.Valid {
			p := int(port.Int64)
			ep.Port = &p
		}
		ep.PingDisabled = pingDisabled != 0
		if healthy.Valid {
			h := healthy.Bool
			ep.Healthy = &h
		}
		ep.Remarks = remarks.String
		node.Endpoints = append(node.Endpoints, ep)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*model.Node, error) {
	var node model.Node
	var status string
	var lastCheck sql.NullTime
	var active int
	if err := row.Scan(&node.ID, &node.Name, &node.LinkID, &status, &lastCheck, &active); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	node.HealthStatus = model.HealthStatus(status)
	if lastCheck.Valid {
		node.LastCheckTime = &lastCheck.Time
	}
	node.Active = active != 0
	return &node, nil
}
