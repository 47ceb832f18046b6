package sink

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/report"
)

type DatabaseOptions struct {
	// Driver is one of the registered database/sql drivers: sqlite3, mysql
	// or pgx.
	Driver       string        `mapstructure:"driver" validate:"oneof=sqlite3 mysql pgx"`
	DSN          string        `mapstructure:"dsn" validate:"required"`
	Table        string        `mapstructure:"table" validate:"required"`
	MaxOpenConns int           `mapstructure:"max_open_conns" validate:"gte=0"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

func DefaultDatabaseOptions() DatabaseOptions {
	return DatabaseOptions{
		Driver:       "sqlite3",
		Table:        "dmarc_reports",
		MaxOpenConns: 4,
		Timeout:      10 * time.Second,
	}
}

var databaseDDL = map[string]string{
	"sqlite3": `CREATE TABLE IF NOT EXISTS %s (
		report_key TEXT PRIMARY KEY,
		report_type TEXT NOT NULL,
		report_id TEXT NOT NULL,
		report_date TIMESTAMP NOT NULL,
		received TIMESTAMP NOT NULL,
		body TEXT NOT NULL
	)`,
	"mysql": `CREATE TABLE IF NOT EXISTS %s (
		report_key CHAR(64) PRIMARY KEY,
		report_type VARCHAR(16) NOT NULL,
		report_id VARCHAR(512) NOT NULL,
		report_date DATETIME NOT NULL,
		received DATETIME NOT NULL,
		body LONGTEXT NOT NULL
	)`,
	"pgx": `CREATE TABLE IF NOT EXISTS %s (
		report_key TEXT PRIMARY KEY,
		report_type TEXT NOT NULL,
		report_id TEXT NOT NULL,
		report_date TIMESTAMPTZ NOT NULL,
		received TIMESTAMPTZ NOT NULL,
		body TEXT NOT NULL
	)`,
}

var databaseUpsert = map[string]string{
	"sqlite3": `INSERT INTO %s (report_key, report_type, report_id, report_date, received, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(report_key) DO UPDATE SET received = excluded.received, body = excluded.body`,
	"mysql": `INSERT INTO %s (report_key, report_type, report_id, report_date, received, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE received = VALUES(received), body = VALUES(body)`,
	"pgx": `INSERT INTO %s (report_key, report_type, report_id, report_date, received, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (report_key) DO UPDATE SET received = EXCLUDED.received, body = EXCLUDED.body`,
}

// Database stores one row per report keyed on the report identity, so a
// report delivered twice is stored once.
type Database struct {
	logger *slog.Logger
	opts   DatabaseOptions
	db     *sql.DB
	upsert string
	now    func() time.Time
}

func NewDatabaseFromOptions(logger *slog.Logger, options map[string]any) (Transport, error) {
	opts := DefaultDatabaseOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewDatabase(logger, opts)
}

func NewDatabase(logger *slog.Logger, opts DatabaseOptions) (*Database, error) {
	if !identifierRegex.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid table name %q", opts.Table)
	}
	upsert, ok := databaseUpsert[opts.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	return &Database{
		logger: logger,
		opts:   opts,
		upsert: fmt.Sprintf(upsert, opts.Table),
		now:    time.Now,
	}, nil
}

func (d *Database) Open(ctx context.Context) error {
	db, err := sql.Open(d.opts.Driver, d.opts.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if d.opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.opts.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(databaseDDL[d.opts.Driver], d.opts.Table)); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create table: %w", err)
	}
	d.db = db
	return nil
}

func (d *Database) Close(context.Context) error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// storageKey hashes the report identity to a fixed length primary key.
func storageKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (d *Database) store(ctx context.Context, r report.Report, key string) error {
	if d.db == nil {
		return errors.New("database is not open")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not marshal report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	_, err = d.db.ExecContext(ctx, d.upsert,
		storageKey(key), string(r.Kind()), r.ID(), r.Date().UTC(), d.now().UTC(), string(body))
	if err != nil {
		return fmt.Errorf("could not store report %s: %w", r.ID(), err)
	}
	return nil
}

func (d *Database) Aggregate(ctx context.Context, r *report.AggregateReport) error {
	return d.store(ctx, r, r.Key())
}

func (d *Database) Forensic(ctx context.Context, r *report.ForensicReport) error {
	return d.store(ctx, r, r.Key())
}
