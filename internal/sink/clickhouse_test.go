package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcpipeline/internal/report"
)

type recordedBatch struct {
	table string
	rows  [][]any
}

func newTestClickHouse(t *testing.T) (*ClickHouse, *[]recordedBatch) {
	t.Helper()

	opts := DefaultClickHouseOptions()
	opts.Addr = []string{"127.0.0.1:9000"}
	c, err := NewClickHouse(discardLogger(), opts)
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2024, 3, 6, 8, 0, 0, 0, time.UTC) }
	var batches []recordedBatch
	c.insert = func(_ context.Context, table string, rows [][]any) error {
		batches = append(batches, recordedBatch{table: table, rows: rows})
		return nil
	}
	return c, &batches
}

func TestClickHouseAggregateRows(t *testing.T) {
	t.Parallel()

	c, batches := newTestClickHouse(t)
	require.NoError(t, c.Aggregate(context.Background(), aggregateReport()))

	require.Len(t, *batches, 1)
	b := (*batches)[0]
	assert.Equal(t, "dmarc_aggregate", b.table)
	require.Len(t, b.rows, 2)

	first := b.rows[0]
	require.Len(t, first, 9)
	assert.Equal(t, time.Date(2024, 3, 6, 8, 0, 0, 0, time.UTC), first[0])
	assert.Equal(t, "abc", first[1])
	assert.Equal(t, "google.com", first[2])
	assert.Equal(t, "example.com", first[3])
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), first[4])
	assert.Equal(t, "203.0.113.5", first[5])
	assert.Equal(t, uint32(2), first[6])
	assert.Equal(t, "none", first[7])

	var row report.AggregateRow
	require.NoError(t, json.Unmarshal([]byte(first[8].(string)), &row))
	assert.Equal(t, "US", row.SourceCountry)
	assert.True(t, row.SPFAligned)

	assert.Equal(t, "reject", b.rows[1][7])
}

func TestClickHouseEmptyReport(t *testing.T) {
	t.Parallel()

	c, batches := newTestClickHouse(t)
	r := aggregateReport()
	r.Records = nil
	require.NoError(t, c.Aggregate(context.Background(), r))
	assert.Empty(t, *batches)
}

func TestClickHouseForensicRow(t *testing.T) {
	t.Parallel()

	c, batches := newTestClickHouse(t)
	fr := forensicReport()
	require.NoError(t, c.Forensic(context.Background(), fr))

	require.Len(t, *batches, 1)
	b := (*batches)[0]
	assert.Equal(t, "dmarc_forensic", b.table)
	require.Len(t, b.rows, 1)
	row := b.rows[0]
	assert.Equal(t, fr.ID(), row[1])
	assert.Equal(t, "example.com", row[2])
	assert.Equal(t, "198.51.100.23", row[4])
	assert.Equal(t, "reject", row[5])
}

func TestClickHouseInsertError(t *testing.T) {
	t.Parallel()

	c, _ := newTestClickHouse(t)
	insertErr := errors.New("table is read only")
	c.insert = func(context.Context, string, [][]any) error { return insertErr }
	require.ErrorIs(t, c.Aggregate(context.Background(), aggregateReport()), insertErr)
}

func TestClickHouseNotOpen(t *testing.T) {
	t.Parallel()

	opts := DefaultClickHouseOptions()
	opts.Addr = []string{"127.0.0.1:9000"}
	c, err := NewClickHouse(discardLogger(), opts)
	require.NoError(t, err)
	require.ErrorContains(t, c.Aggregate(context.Background(), aggregateReport()), "no clickhouse connection")
	require.NoError(t, c.Close(context.Background()))
}

func TestClickHouseOpenUnreachable(t *testing.T) {
	t.Parallel()

	opts := DefaultClickHouseOptions()
	opts.Addr = []string{"127.0.0.1:1"}
	opts.DialTimeout = 500 * time.Millisecond
	c, err := NewClickHouse(discardLogger(), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, c.Open(ctx))
}

func TestClickHouseOptions(t *testing.T) {
	t.Parallel()

	tr, err := NewClickHouseFromOptions(discardLogger(), map[string]any{
		"addr":         "ch1:9000,ch2:9000",
		"protocol":     "http",
		"dial_timeout": "2s",
	})
	require.NoError(t, err)
	c, ok := tr.(*ClickHouse)
	require.True(t, ok)
	assert.Equal(t, []string{"ch1:9000", "ch2:9000"}, c.opts.Addr)
	assert.Equal(t, 2*time.Second, c.opts.DialTimeout)
	assert.True(t, c.opts.CreateTables)

	_, err = NewClickHouseFromOptions(discardLogger(), map[string]any{
		"addr":            "ch1:9000",
		"aggregate_table": "dmarc; DROP TABLE x",
	})
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewClickHouseFromOptions(discardLogger(), map[string]any{"addr": "ch1:9000", "protocol": "grpc"})
	require.Error(t, err)
}
