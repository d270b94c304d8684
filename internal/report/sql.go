package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/anstrom/gapscan/internal/scanning"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scans (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	address TEXT NOT NULL,
	protocol TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	duration_ms BIGINT NOT NULL,
	fast_count INTEGER NOT NULL,
	exhaustive_count INTEGER NOT NULL,
	anomaly_count INTEGER NOT NULL,
	partial BOOLEAN NOT NULL,
	empty BOOLEAN NOT NULL,
	os_family TEXT NOT NULL,
	error TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS scan_ports (
	scan_id TEXT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
	protocol TEXT NOT NULL,
	port INTEGER NOT NULL,
	source TEXT NOT NULL,
	anomaly BOOLEAN NOT NULL,
	service TEXT NOT NULL,
	product TEXT NOT NULL,
	version TEXT NOT NULL,
	PRIMARY KEY (scan_id, protocol, port)
)`,
	`CREATE INDEX IF NOT EXISTS idx_scans_target ON scans (target, started_at)`,
}

const (
	insertScan = `INSERT INTO scans (id, target, address, protocol, started_at, finished_at,
	duration_ms, fast_count, exhaustive_count, anomaly_count, partial, empty, os_family, error)
VALUES (:id, :target, :address, :protocol, :started_at, :finished_at,
	:duration_ms, :fast_count, :exhaustive_count, :anomaly_count, :partial, :empty, :os_family, :error)`

	insertPort = `INSERT INTO scan_ports (scan_id, protocol, port, source, anomaly, service, product, version)
VALUES (:scan_id, :protocol, :port, :source, :anomaly, :service, :product, :version)`

	selectRecent = `SELECT id, target, address, protocol, started_at, finished_at, duration_ms,
	fast_count, exhaustive_count, anomaly_count, partial, empty, os_family, error
FROM scans WHERE target = ? ORDER BY started_at DESC LIMIT ?`

	selectPorts = `SELECT scan_id, protocol, port, source, anomaly, service, product, version
FROM scan_ports WHERE scan_id = ? ORDER BY protocol, port`
)

// ScanRow is one row of the scans table.
type ScanRow struct {
	ID              string    `db:"id"`
	Target          string    `db:"target"`
	Address         string    `db:"address"`
	Protocol        string    `db:"protocol"`
	StartedAt       time.Time `db:"started_at"`
	FinishedAt      time.Time `db:"finished_at"`
	DurationMS      int64     `db:"duration_ms"`
	FastCount       int       `db:"fast_count"`
	ExhaustiveCount int       `db:"exhaustive_count"`
	AnomalyCount    int       `db:"anomaly_count"`
	Partial         bool      `db:"partial"`
	Empty           bool      `db:"empty"`
	OSFamily        string    `db:"os_family"`
	Error           string    `db:"error"`
}

// PortRow is one row of the scan_ports table.
type PortRow struct {
	ScanID   string `db:"scan_id"`
	Protocol string `db:"protocol"`
	Port     int    `db:"port"`
	Source   string `db:"source"`
	Anomaly  bool   `db:"anomaly"`
	Service  string `db:"service"`
	Product  string `db:"product"`
	Version  string `db:"version"`
}

// SQLSink records every scan and its open ports in a SQL database.
type SQLSink struct {
	db *sqlx.DB
}

// OpenSQL connects to driver ("sqlite" or "postgres") and bootstraps the
// schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLSink, error) {
	switch driver {
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Single writer avoids "database is locked".
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := NewSQLSink(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSink wraps an open database. The schema is not created.
func NewSQLSink(db *sqlx.DB) *SQLSink {
	return &SQLSink{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *SQLSink) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Name implements Sink.
func (*SQLSink) Name() string { return "sql" }

// Write implements Sink. The scan and its ports are inserted in one
// transaction.
func (s *SQLSink) Write(ctx context.Context, _ string, result *scanning.ScanResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, insertScan, scanRow(result)); err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	for _, row := range portRows(result) {
		if _, err := tx.NamedExecContext(ctx, insertPort, row); err != nil {
			return fmt.Errorf("insert port %s/%d: %w", row.Protocol, row.Port, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Recent returns the latest scans of target, newest first.
func (s *SQLSink) Recent(ctx context.Context, target string, limit int) ([]ScanRow, error) {
	var rows []ScanRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectRecent), target, limit); err != nil {
		return nil, fmt.Errorf("select scans: %w", err)
	}
	return rows, nil
}

// Ports returns the open ports recorded for one scan.
func (s *SQLSink) Ports(ctx context.Context, scanID string) ([]PortRow, error) {
	var rows []PortRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectPorts), scanID); err != nil {
		return nil, fmt.Errorf("select ports: %w", err)
	}
	return rows, nil
}

// Close closes the database.
func (s *SQLSink) Close() error {
	return s.db.Close()
}

func scanRow(r *scanning.ScanResult) ScanRow {
	row := ScanRow{
		ID:              r.ID,
		Target:          r.Target,
		Address:         r.Address,
		Protocol:        r.Protocol.String(),
		StartedAt:       r.StartTime.UTC(),
		FinishedAt:      r.EndTime.UTC(),
		DurationMS:      r.Duration.Milliseconds(),
		FastCount:       r.Fast.Len(),
		ExhaustiveCount: r.Exhaustive.Len(),
		AnomalyCount:    r.Anomalies.Len(),
		Partial:         r.Partial,
		Empty:           r.Empty,
		Error:           r.Error,
	}
	if r.OS != nil {
		row.OSFamily = r.OS.Family
	}
	return row
}

func portRows(r *scanning.ScanResult) []PortRow {
	combined := r.Consolidated()
	rows := make([]PortRow, 0, combined.Len())
	for _, rec := range combined.Records() {
		info := r.Deep[rec.Key]
		rows = append(rows, PortRow{
			ScanID:   r.ID,
			Protocol: rec.Protocol.String(),
			Port:     int(rec.Port),
			Source:   rec.Source.String(),
			Anomaly:  r.Anomalies.Contains(rec.Key),
			Service:  info.Name,
			Product:  info.Product,
			Version:  info.Version,
		})
	}
	return rows
}
