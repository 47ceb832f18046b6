package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/convert"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/dns"
	"github.com/firefart/dmarcpipeline/internal/enrich"
	"github.com/firefart/dmarcpipeline/internal/metrics"
	"github.com/firefart/dmarcpipeline/internal/pipeline"
	"github.com/firefart/dmarcpipeline/internal/sink"
	"github.com/firefart/dmarcpipeline/internal/source"
)

// app is everything built from a configuration.
type app struct {
	logger   *slog.Logger
	config   *config.Configuration
	metrics  *metrics.Metrics
	parser   *dmarc.Parser
	sinks    []sink.Sink
	sources  []source.Source
	closers  []io.Closer
	pipeline *pipeline.Pipeline
}

func newParser(logger *slog.Logger, cfg *config.Configuration, m *metrics.Metrics) (*dmarc.Parser, []io.Closer, error) {
	var closers []io.Closer
	opts := dmarc.Options{
		Converter:               convert.NewMsgConvert(logger, cfg.MsgConvert.Binary, cfg.MsgConvert.Timeout),
		Offline:                 cfg.Offline,
		StripAttachmentPayloads: cfg.StripAttachmentPayloads,
		Metrics:                 m,
	}
	if !cfg.Offline {
		enrichOpts := enrich.Options{
			Resolver:  dns.NewCachedResolver(logger, cfg.DNS.Nameservers, cfg.DNS.Timeout, cfg.DNS.CacheTTL, cfg.DNS.CacheSize),
			CacheSize: cfg.DNS.CacheSize,
			CacheTTL:  cfg.DNS.CacheTTL,
		}
		if cfg.GeoIPDatabase != "" {
			geo, err := enrich.OpenGeoIP(cfg.GeoIPDatabase)
			if err != nil {
				return nil, nil, err
			}
			enrichOpts.Countries = geo
			closers = append(closers, geo)
		}
		opts.Enricher = enrich.New(logger, enrichOpts)
	}
	return dmarc.NewParser(logger, opts), closers, nil
}

// newApp builds the parser, the sinks and the sources. Without configured
// sinks reports are printed to stdout.
func newApp(logger *slog.Logger, cfg *config.Configuration, m *metrics.Metrics) (*app, error) {
	parser, closers, err := newParser(logger, cfg, m)
	if err != nil {
		return nil, err
	}
	a := &app{
		logger:  logger,
		config:  cfg,
		metrics: m,
		parser:  parser,
		closers: closers,
	}

	sinkRegistry := sink.NewRegistry(m)
	for _, c := range cfg.Sinks {
		s, err := sinkRegistry.New(logger, c)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.sinks = append(a.sinks, s)
	}
	if len(a.sinks) == 0 {
		logger.Info("no sinks configured, printing reports to stdout")
		console := sink.NewConsole(logger, os.Stdout, sink.ConsoleOptions{Output: "stdout"})
		a.sinks = append(a.sinks, sink.NewManaged(logger.With(slog.String("sink", "console")), "console", console, m))
	}

	sourceRegistry := source.NewRegistry()
	for _, c := range cfg.Sources {
		s, err := sourceRegistry.New(logger, c)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.sources = append(a.sources, s)
	}

	a.pipeline = pipeline.New(logger, parser, a.sinks, pipeline.Options{
		AckPolicy: pipeline.AckPolicy(cfg.AckPolicy),
		Metrics:   m,
	})
	return a, nil
}

// Close closes the sources and the enrichment databases. Sinks are shut
// down by the pipeline.
func (a *app) Close() error {
	var result *multierror.Error
	for _, s := range a.sources {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
