package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/report"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type ClickHouseOptions struct {
	Addr           []string      `mapstructure:"addr" validate:"required,min=1,dive,hostname_port"`
	Database       string        `mapstructure:"database" validate:"required"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Protocol       string        `mapstructure:"protocol" validate:"oneof=native http"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	AggregateTable string        `mapstructure:"aggregate_table" validate:"required"`
	ForensicTable  string        `mapstructure:"forensic_table" validate:"required"`
	CreateTables   bool          `mapstructure:"create_tables"`
}

func DefaultClickHouseOptions() ClickHouseOptions {
	return ClickHouseOptions{
		Database:       "default",
		Username:       "default",
		Protocol:       "native",
		DialTimeout:    10 * time.Second,
		AggregateTable: "dmarc_aggregate",
		ForensicTable:  "dmarc_forensic",
		CreateTables:   true,
	}
}

const aggregateDDL = `CREATE TABLE IF NOT EXISTS %s (
	received DateTime,
	report_id String,
	org_name String,
	domain String,
	begin_date DateTime,
	source_ip String,
	count UInt32,
	disposition String,
	row String
) ENGINE = MergeTree ORDER BY (domain, begin_date)`

const forensicDDL = `CREATE TABLE IF NOT EXISTS %s (
	received DateTime,
	report_id String,
	reported_domain String,
	arrival_date DateTime,
	source_ip String,
	delivery_result String,
	row String
) ENGINE = MergeTree ORDER BY (reported_domain, arrival_date)`

// ClickHouse appends the flattened rows of every report to a table, the
// full row is kept as JSON next to a few indexed columns. Every call sends
// one batch.
type ClickHouse struct {
	logger *slog.Logger
	opts   ClickHouseOptions
	conn   driver.Conn
	now    func() time.Time
	// insert sends rows in one batch
	insert func(ctx context.Context, table string, rows [][]any) error
}

func NewClickHouseFromOptions(logger *slog.Logger, options map[string]any) (Transport, error) {
	opts := DefaultClickHouseOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewClickHouse(logger, opts)
}

func NewClickHouse(logger *slog.Logger, opts ClickHouseOptions) (*ClickHouse, error) {
	for _, table := range []string{opts.AggregateTable, opts.ForensicTable} {
		if !identifierRegex.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	c := &ClickHouse{
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
	c.insert = c.sendBatch
	return c, nil
}

func (c *ClickHouse) Open(ctx context.Context) error {
	protocol := clickhouse.Native
	if c.opts.Protocol == "http" {
		protocol = clickhouse.HTTP
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Protocol: protocol,
		Addr:     c.opts.Addr,
		Auth: clickhouse.Auth{
			Database: c.opts.Database,
			Username: c.opts.Username,
			Password: c.opts.Password,
		},
		DialTimeout: c.opts.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("could not open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not reach clickhouse: %w", err)
	}
	if c.opts.CreateTables {
		for _, ddl := range []string{fmt.Sprintf(aggregateDDL, c.opts.AggregateTable), fmt.Sprintf(forensicDDL, c.opts.ForensicTable)} {
			if err := conn.Exec(ctx, ddl); err != nil {
				_ = conn.Close()
				return fmt.Errorf("could not create table: %w", err)
			}
		}
	}
	c.conn = conn
	return nil
}

func (c *ClickHouse) Close(context.Context) error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *ClickHouse) sendBatch(ctx context.Context, table string, rows [][]any) error {
	if c.conn == nil {
		return errors.New("no clickhouse connection")
	}
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("could not prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("could not append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("could not send batch: %w", err)
	}
	return nil
}

func (c *ClickHouse) aggregateRows(r *report.AggregateReport) ([][]any, error) {
	received := c.now().UTC()
	var rows [][]any
	for _, row := range r.Rows() {
		b, err := json.Marshal(row)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []any{
			received,
			r.Metadata.ReportID,
			r.Metadata.OrgName,
			r.PolicyPublished.Domain,
			r.Metadata.BeginDate.Time().UTC(),
			row.SourceIPAddress,
			uint32(row.Count), // nolint: gosec
			row.Disposition,
			string(b),
		})
	}
	return rows, nil
}

func (c *ClickHouse) forensicRow(r *report.ForensicReport) ([]any, error) {
	row := r.Row()
	b, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return []any{
		c.now().UTC(),
		r.ID(),
		r.ReportedDomain,
		r.ArrivalDateUTC.Time().UTC(),
		row.SourceIPAddress,
		row.DeliveryResult,
		string(b),
	}, nil
}

func (c *ClickHouse) Aggregate(ctx context.Context, r *report.AggregateReport) error {
	rows, err := c.aggregateRows(r)
	if err != nil {
		return fmt.Errorf("could not build rows: %w", err)
	}
	if len(rows) == 0 {
		c.logger.Debug("report has no records", slog.String("report_id", r.ID()))
		return nil
	}
	return c.insert(ctx, c.opts.AggregateTable, rows)
}

func (c *ClickHouse) Forensic(ctx context.Context, r *report.ForensicReport) error {
	row, err := c.forensicRow(r)
	if err != nil {
		return fmt.Errorf("could not build row: %w", err)
	}
	return c.insert(ctx, c.opts.ForensicTable, [][]any{row})
}
