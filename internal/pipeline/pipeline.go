// Package pipeline drives reports from the sources through the parser to
// the sinks and acknowledges every message once its outcome is known.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/firefart/dmarcpipeline/internal/metrics"
	"github.com/firefart/dmarcpipeline/internal/report"
	"github.com/firefart/dmarcpipeline/internal/sink"
	"github.com/firefart/dmarcpipeline/internal/source"
)

// ErrNoSinks is returned when no sink is running.
var ErrNoSinks = errors.New("no sink is running")

// AckPolicy decides when a delivered report is acknowledged at its source.
type AckPolicy string

const (
	// AckAll acknowledges only when every running sink accepted the report.
	AckAll AckPolicy = "all"
	// AckAny acknowledges when at least one sink accepted the report.
	AckAny AckPolicy = "any"
)

// Parser turns raw message bytes into a report.
type Parser interface {
	ParseReportFile(ctx context.Context, data []byte) (report.Report, error)
}

type Options struct {
	AckPolicy AckPolicy
	Metrics   *metrics.Metrics
}

type Pipeline struct {
	logger    *slog.Logger
	parser    Parser
	sinks     []sink.Sink
	ackPolicy AckPolicy
	metrics   *metrics.Metrics
}

func New(logger *slog.Logger, parser Parser, sinks []sink.Sink, opts Options) *Pipeline {
	policy := opts.AckPolicy
	if policy == "" {
		policy = AckAll
	}
	return &Pipeline{
		logger:    logger,
		parser:    parser,
		sinks:     sinks,
		ackPolicy: policy,
		metrics:   opts.Metrics,
	}
}

// Start sets up every sink. Sinks that fail to set up are logged and
// skipped, Start only fails when no sink is running afterwards.
func (p *Pipeline) Start(ctx context.Context) error {
	var result *multierror.Error
	running := 0
	for _, s := range p.sinks {
		if err := s.Setup(ctx); err != nil {
			p.logger.Error("sink setup failed", slog.String("sink", s.Name()), slog.String("err", err.Error()))
			result = multierror.Append(result, err)
			continue
		}
		running++
	}
	if running == 0 {
		if err := result.ErrorOrNil(); err != nil {
			return fmt.Errorf("%w: %w", ErrNoSinks, err)
		}
		return ErrNoSinks
	}
	p.logger.Info("sinks started", slog.Int("running", running), slog.Int("configured", len(p.sinks)))
	return nil
}

// Stop shuts down every sink.
func (p *Pipeline) Stop(ctx context.Context) error {
	var result *multierror.Error
	for _, s := range p.sinks {
		if err := s.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Deliver hands r to every running sink in order. A failing sink does not
// stop delivery to the others. It returns the number of sinks that accepted
// the report and the combined delivery errors.
func (p *Pipeline) Deliver(ctx context.Context, r report.Report) (int, error) {
	var result *multierror.Error
	delivered := 0
	attempted := 0
	for _, s := range p.sinks {
		if s.State() != sink.StateRunning {
			continue
		}
		attempted++
		if err := sink.Process(ctx, s, r); err != nil {
			p.logger.Error("delivery failed",
				slog.String("sink", s.Name()),
				slog.String("report_id", r.ID()),
				slog.String("error_kind", ErrorKind(err)),
				slog.String("err", err.Error()))
			result = multierror.Append(result, err)
			continue
		}
		delivered++
	}
	if attempted == 0 {
		return 0, ErrNoSinks
	}
	return delivered, result.ErrorOrNil()
}

func (p *Pipeline) shouldAcknowledge(delivered int, err error) bool {
	if delivered == 0 {
		return false
	}
	if p.ackPolicy == AckAny {
		return true
	}
	return err == nil
}

func (p *Pipeline) acknowledge(ctx context.Context, logger *slog.Logger, src source.Source, id string, outcome source.Outcome) {
	if err := src.Acknowledge(ctx, id, outcome); err != nil {
		logger.Error("could not acknowledge message",
			slog.String("outcome", outcome.String()),
			slog.String("error_kind", ErrorKind(err)),
			slog.String("err", err.Error()))
		return
	}
	p.metrics.Acknowledged(src.Name(), outcome.String())
}

// Handle parses one message, delivers the report and acknowledges the
// message. Messages that do not parse are acknowledged as failed, messages
// whose delivery failed under the ack policy are left at the source for a
// retry.
func (p *Pipeline) Handle(ctx context.Context, src source.Source, msg source.Message) {
	logger := p.logger.With(slog.String("source", src.Name()), slog.String("message_id", msg.ID))
	p.metrics.MessageFetched(src.Name())
	start := time.Now()

	r, err := p.parser.ParseReportFile(ctx, msg.Data)
	if err != nil {
		kind := ErrorKind(err)
		logger.Warn("could not parse message", slog.String("error_kind", kind), slog.String("err", err.Error()))
		p.metrics.MessageFailed(src.Name(), kind)
		p.acknowledge(ctx, logger, src, msg.ID, source.Failed)
		return
	}

	logger = logger.With(slog.String("report_type", string(r.Kind())), slog.String("report_id", r.ID()))
	delivered, err := p.Deliver(ctx, r)
	if !p.shouldAcknowledge(delivered, err) {
		kind := ErrorKind(err)
		logger.Warn("report not delivered, leaving message for retry",
			slog.Int("delivered", delivered),
			slog.String("error_kind", kind),
			slog.String("err", err.Error()))
		p.metrics.MessageFailed(src.Name(), kind)
		return
	}
	if err != nil {
		logger.Warn("report partially delivered", slog.Int("delivered", delivered), slog.String("err", err.Error()))
	}

	p.acknowledge(ctx, logger, src, msg.ID, source.Processed(r.Kind()))
	logger.Info("processed message", slog.Duration("took", time.Since(start)))
}

// RunOnce polls src a single time.
func (p *Pipeline) RunOnce(ctx context.Context, src source.Source) error {
	return source.Poll(ctx, src, p.Handle)
}

// Watch polls src every interval until ctx is done or the source fails to
// authenticate.
func (p *Pipeline) Watch(ctx context.Context, src source.Source, interval time.Duration) error {
	return source.Watch(ctx, p.logger, src, interval, p.Handle)
}

// RunSources polls every source in its own goroutine, a single time when
// interval is zero and otherwise with Watch. A source that stops with an
// error is logged and does not stop the others. It returns after all sources
// stopped, with the errors of the failed sources combined.
func (p *Pipeline) RunSources(ctx context.Context, sources []source.Source, interval time.Duration) error {
	var g errgroup.Group
	errs := make([]error, len(sources))
	for i, src := range sources {
		g.Go(func() error {
			var err error
			if interval <= 0 {
				err = p.RunOnce(ctx, src)
			} else {
				err = p.Watch(ctx, src, interval)
			}
			if err != nil {
				p.logger.Error("source stopped", slog.String("source", src.Name()), slog.String("err", err.Error()))
				errs[i] = fmt.Errorf("source %s: %w", src.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
