package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/report"
)

var (
	outputFormat string
	deliver      bool
)

var parseCmd = &cobra.Command{
	Use:   "parse [files...]",
	Short: "Parse DMARC report files",
	Long: `Parse one or more report files. A file may be an aggregate report (xml, zip
or gzip), a report email or a legacy Outlook message.

Reports are printed to stdout. With --deliver they are sent to the sinks of
the configuration instead.

Examples:
  dmarcpipeline parse report.xml
  dmarcpipeline parse report.zip report2.xml.gz --format csv
  dmarcpipeline parse --config config.yaml --deliver forensic.eml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)
	parseCmd.Flags().StringVar(&outputFormat, "format", "json", "Output format (json or csv)")
	parseCmd.Flags().BoolVar(&deliver, "deliver", false, "Deliver the reports to the configured sinks")
}

// parseConfig returns the configuration of --config or an offline default.
func parseConfig() (*config.Configuration, error) {
	if configFile != "" {
		return config.GetConfig(configFile)
	}
	return &config.Configuration{
		Offline:    true,
		AckPolicy:  "all",
		MsgConvert: config.MsgConvertConfig{Binary: "msgconvert"},
	}, nil
}

func runParse(cmd *cobra.Command, args []string) error {
	if outputFormat != "json" && outputFormat != "csv" {
		return fmt.Errorf("invalid format %s", outputFormat)
	}
	if deliver && configFile == "" {
		return errors.New("--deliver needs a config file")
	}

	ctx := cmd.Context()
	logger := newLogger(cmd.ErrOrStderr(), debug)
	cfg, err := parseConfig()
	if err != nil {
		return err
	}

	parser, closers, err := newParser(logger, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	reports, failed := parseFiles(ctx, logger, parser, args)

	if deliver {
		if err := deliverReports(ctx, logger, cfg, reports); err != nil {
			return err
		}
	} else if err := writeReports(cmd.OutOrStdout(), reports); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be parsed", failed, len(args))
	}
	return nil
}

func parseFiles(ctx context.Context, logger *slog.Logger, parser *dmarc.Parser, files []string) ([]report.Report, int) {
	var reports []report.Report
	failed := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			logger.Error("could not read file", slog.String("file", f), slog.String("err", err.Error()))
			failed++
			continue
		}
		r, err := parser.ParseReportFile(ctx, data)
		if err != nil {
			logger.Error("could not parse file", slog.String("file", f), slog.String("err", err.Error()))
			failed++
			continue
		}
		logger.Debug("parsed file", slog.String("file", f), slog.String("report_type", string(r.Kind())))
		reports = append(reports, r)
	}
	return reports, failed
}

func writeReports(w io.Writer, reports []report.Report) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		for _, r := range reports {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	var aggregate []*report.AggregateReport
	var forensic []*report.ForensicReport
	for _, r := range reports {
		switch v := r.(type) {
		case *report.AggregateReport:
			aggregate = append(aggregate, v)
		case *report.ForensicReport:
			forensic = append(forensic, v)
		}
	}
	if len(aggregate) > 0 {
		if err := report.WriteAggregateCSV(w, aggregate...); err != nil {
			return err
		}
	}
	if len(forensic) > 0 {
		if err := report.WriteForensicCSV(w, forensic...); err != nil {
			return err
		}
	}
	return nil
}

func deliverReports(ctx context.Context, logger *slog.Logger, cfg *config.Configuration, reports []report.Report) error {
	// only the sinks are needed
	cfg.Sources = nil
	a, err := newApp(logger, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}
	var deliveryErr error
	for _, r := range reports {
		if _, err := a.pipeline.Deliver(ctx, r); err != nil {
			deliveryErr = err
		}
	}
	if err := a.pipeline.Stop(ctx); err != nil {
		logger.Error("error on sink shutdown", slog.String("err", err.Error()))
	}
	return deliveryErr
}
