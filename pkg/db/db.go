/*
Copyright © 2025 ALESSIO TONIOLO

db.go is the metadata store: observed request costs keyed by the canonical
request query, plus a journal of the worker nodes the controller launched.
*/
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store wraps the sql.DB connection
type Store struct {
	*sql.DB
	now func() time.Time
}

// RequestCost is one observed cost record
type RequestCost struct {
	Query     string
	Cost      float64
	UpdatedAt time.Time
}

// Node is a journal record of a worker node launched by the controller
type Node struct {
	ID        string
	Address   string
	State     string
	CreatedAt time.Time
}

// Open opens (creating if needed) the SQLite database at path and migrates it
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{DB: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS request_costs (
		request_query TEXT PRIMARY KEY,
		cost REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS request_costs_updated_at ON request_costs(updated_at);
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		address TEXT,
		state TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.Exec(query)
	return err
}

// Store upserts the observed cost of a query
func (s *Store) Store(ctx context.Context, query string, cost float64) error {
	stmt := `
	INSERT INTO request_costs (request_query, cost, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(request_query) DO UPDATE SET
		cost = excluded.cost,
		updated_at = excluded.updated_at;
	`
	_, err := s.ExecContext(ctx, stmt, query, cost, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store cost: %w", err)
	}
	return nil
}

// FetchAll returns up to limit records, the most recently updated last
func (s *Store) FetchAll(ctx context.Context, limit int) ([]RequestCost, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
	SELECT request_query, cost, updated_at FROM (
		SELECT request_query, cost, updated_at FROM request_costs
		ORDER BY updated_at DESC, request_query DESC
		LIMIT ?
	) ORDER BY updated_at ASC, request_query ASC`
	rows, err := s.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch costs: %w", err)
	}
	return scanCosts(rows)
}

// FetchFiltered returns the records whose query is in queries. An empty set
// returns nothing without touching the database.
func (s *Store) FetchFiltered(ctx context.Context, queries []string) ([]RequestCost, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queries)), ",")
	args := make([]interface{}, len(queries))
	for i, q := range queries {
		args[i] = q
	}

	query := `SELECT request_query, cost, updated_at FROM request_costs
	WHERE request_query IN (` + placeholders + `) ORDER BY updated_at ASC, request_query ASC`
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch filtered costs: %w", err)
	}
	return scanCosts(rows)
}

func scanCosts(rows *sql.Rows) ([]RequestCost, error) {
	defer rows.Close()

	var costs []RequestCost
	for rows.Next() {
		var rc RequestCost
		if err := rows.Scan(&rc.Query, &rc.Cost, &rc.UpdatedAt); err != nil {
			return nil, err
		}
		costs = append(costs, rc)
	}
	return costs, rows.Err()
}

// SaveNode upserts a node journal record
func (s *Store) SaveNode(ctx context.Context, node Node) error {
	if node.CreatedAt.IsZero() {
		node.CreatedAt = s.now().UTC()
	}
	query := `
	INSERT INTO nodes (id, address, state, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		address = excluded.address,
		state = excluded.state;
	`
	_, err := s.ExecContext(ctx, query, node.ID, node.Address, node.State, node.CreatedAt)
	return err
}

// DeleteNode removes a node from the journal
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
	return err
}

// ListNodes retrieves all journaled nodes, oldest first
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.QueryContext(ctx, `SELECT id, address, state, created_at FROM nodes ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Address, &n.State, &n.CreatedAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
