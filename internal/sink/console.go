package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/report"
)

type ConsoleOptions struct {
	Output string `mapstructure:"output" validate:"oneof=stdout stderr"`
	// Pretty indents the JSON output
	Pretty bool `mapstructure:"pretty"`
}

// Console prints every report as one JSON document.
type Console struct {
	logger *slog.Logger
	opts   ConsoleOptions

	mu sync.Mutex
	w  io.Writer
}

func NewConsoleFromOptions(logger *slog.Logger, options map[string]any) (Transport, error) {
	opts := ConsoleOptions{Output: "stdout"}
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	w := io.Writer(os.Stdout)
	if opts.Output == "stderr" {
		w = os.Stderr
	}
	return NewConsole(logger, w, opts), nil
}

func NewConsole(logger *slog.Logger, w io.Writer, opts ConsoleOptions) *Console {
	return &Console{
		logger: logger,
		opts:   opts,
		w:      w,
	}
}

func (c *Console) Open(context.Context) error {
	return nil
}

func (c *Console) Close(context.Context) error {
	return nil
}

func (c *Console) print(r report.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	enc := json.NewEncoder(c.w)
	if c.opts.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("could not write report: %w", err)
	}
	return nil
}

func (c *Console) Aggregate(_ context.Context, r *report.AggregateReport) error {
	return c.print(r)
}

func (c *Console) Forensic(_ context.Context, r *report.ForensicReport) error {
	return c.print(r)
}

// Noop accepts every report and drops it.
type Noop struct {
	logger *slog.Logger
}

func NewNoopFromOptions(logger *slog.Logger, options map[string]any) (Transport, error) {
	var opts struct{}
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return &Noop{logger: logger}, nil
}

func (n *Noop) Open(context.Context) error  { return nil }
func (n *Noop) Close(context.Context) error { return nil }

func (n *Noop) Aggregate(_ context.Context, r *report.AggregateReport) error {
	n.logger.Debug("dropping aggregate report", slog.String("report_id", r.ID()))
	return nil
}

func (n *Noop) Forensic(_ context.Context, r *report.ForensicReport) error {
	n.logger.Debug("dropping forensic report", slog.String("report_id", r.ID()))
	return nil
}
