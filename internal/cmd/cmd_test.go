package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcpipeline/internal/report"
	"github.com/firefart/dmarcpipeline/internal/source"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// execute runs the root command with fresh flag values. Commands share
// package state so these tests do not run in parallel.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	configFile = ""
	debug = false
	outputFormat = "json"
	deliver = false
	once = false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeGenerated writes count generated messages of the given kind to dir.
func writeGenerated(t *testing.T, dir, kind string, count int) []string {
	t.Helper()

	opts := source.DefaultGeneratorOptions()
	opts.Kind = kind
	opts.Count = count
	gen := source.NewGenerator(discardLogger(), "cli", opts)

	var files []string
	for msg, err := range gen.Fetch(context.Background()) {
		require.NoError(t, err)
		f := filepath.Join(dir, msg.ID+".eml")
		require.NoError(t, os.WriteFile(f, msg.Data, 0o600))
		files = append(files, f)
	}
	return files
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "dmarcpipeline dev\n"), out)
	assert.Contains(t, out, "Go version:")
}

func TestParseJSON(t *testing.T) {
	files := writeGenerated(t, t.TempDir(), "aggregate", 2)
	out, err := execute(t, append([]string{"parse"}, files...)...)
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var ids []string
	for dec.More() {
		var r report.AggregateReport
		require.NoError(t, dec.Decode(&r))
		ids = append(ids, r.ID())
	}
	assert.Equal(t, []string{"cli-0", "cli-1"}, ids)
}

func TestParseCSV(t *testing.T) {
	dir := t.TempDir()
	files := writeGenerated(t, dir, "aggregate", 1)
	out, err := execute(t, "parse", "--format", "csv", files[0])
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	// header and one row per record
	require.Len(t, rows, 3)
	assert.Equal(t, report.AggregateFields, rows[0])
	assert.Equal(t, "203.0.113.5", rows[1][15])
}

func TestParseErrors(t *testing.T) {
	dir := t.TempDir()
	files := writeGenerated(t, dir, "forensic", 1)
	invalid := filepath.Join(dir, "invalid.txt")
	require.NoError(t, os.WriteFile(invalid, []byte("hello world"), 0o600))

	out, err := execute(t, "parse", files[0], invalid, filepath.Join(dir, "missing.xml"))
	require.ErrorContains(t, err, "2 of 3 files could not be parsed")
	// the valid file is still printed
	assert.Contains(t, out, `"feedback_type"`)

	_, err = execute(t, "parse", "--format", "yaml", files[0])
	require.ErrorContains(t, err, "invalid format")
	_, err = execute(t, "parse", "--deliver", files[0])
	require.ErrorContains(t, err, "needs a config file")
	_, err = execute(t, "parse")
	require.Error(t, err)
}

func TestParseDeliver(t *testing.T) {
	dir := t.TempDir()
	files := writeGenerated(t, dir, "aggregate", 1)
	bucket := filepath.Join(dir, "store")
	require.NoError(t, os.Mkdir(bucket, 0o700))
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`offline: true
sources:
  - name: unused
    type: generator
sinks:
  - name: db
    type: database
    options:
      dsn: `+filepath.Join(bucket, "reports.db")+`
`), 0o600))

	out, err := execute(t, "parse", "--config", cfg, "--deliver", files[0])
	require.NoError(t, err)
	assert.Empty(t, out)
	_, err = os.Stat(filepath.Join(bucket, "reports.db"))
	require.NoError(t, err)
}

func TestWatchOnce(t *testing.T) {
	dir := t.TempDir()
	inbox := filepath.Join(dir, "inbox")
	archive := filepath.Join(dir, "archive")
	require.NoError(t, os.Mkdir(inbox, 0o700))
	writeGenerated(t, inbox, "aggregate", 2)

	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`offline: true
sources:
  - name: drop
    type: directory
    options:
      paths: `+inbox+`
      archive_dir: `+archive+`
sinks:
  - name: discard
    type: noop
`), 0o600))

	_, err := execute(t, "watch", "--once", "--config", cfg)
	require.NoError(t, err)

	archived, err := os.ReadDir(filepath.Join(archive, "aggregate"))
	require.NoError(t, err)
	assert.Len(t, archived, 2)
	left, err := os.ReadDir(inbox)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestWatchInvalidConfig(t *testing.T) {
	_, err := execute(t, "watch", "--once")
	require.Error(t, err)
	_, err = execute(t, "watch", "--once", "--config", filepath.Join("..", "..", "testdata", "invalid.json"))
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, false)
	logger.Debug("hidden")
	logger.Info("visible")

	// a buffer is not a terminal so the output is JSON
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "visible", entry["msg"])

	buf.Reset()
	newLogger(&buf, true).Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}
