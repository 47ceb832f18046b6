package dmarc

import (
	"context"
	"log/slog"

	"github.com/firefart/dmarcpipeline/internal/metrics"
	"github.com/firefart/dmarcpipeline/internal/report"
)

// Enricher resolves the enrichment fields for a source IP. Implementations
// return nil fields for lookups that failed.
type Enricher interface {
	Enrich(ctx context.Context, ip string) report.Source
}

// Converter turns a legacy Outlook message into RFC 822 bytes.
type Converter interface {
	Convert(ctx context.Context, msg []byte) ([]byte, error)
}

type Options struct {
	// Enricher is consulted once per unique source IP unless Offline is set.
	Enricher Enricher
	// Converter handles legacy Outlook messages. Without one such messages
	// fail to parse.
	Converter               Converter
	Offline                 bool
	StripAttachmentPayloads bool
	Metrics                 *metrics.Metrics
}

// Parser converts decoded payloads into report.Report values. It holds no
// per report state and is safe for concurrent use.
type Parser struct {
	logger    *slog.Logger
	enricher  Enricher
	converter Converter
	offline   bool
	strip     bool
	metrics   *metrics.Metrics
}

func NewParser(logger *slog.Logger, opts Options) *Parser {
	return &Parser{
		logger:    logger,
		enricher:  opts.Enricher,
		converter: opts.Converter,
		offline:   opts.Offline,
		strip:     opts.StripAttachmentPayloads,
		metrics:   opts.Metrics,
	}
}

func (p *Parser) enrich(ctx context.Context, ip string) report.Source {
	if p.offline || p.enricher == nil {
		return report.Source{IPAddress: ip}
	}
	src := p.enricher.Enrich(ctx, ip)
	src.IPAddress = ip
	return src
}
