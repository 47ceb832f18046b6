package sink

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"log/syslog"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/report"
)

type SyslogOptions struct {
	Server   string `mapstructure:"server" validate:"required,hostname_port"`
	Protocol string `mapstructure:"protocol" validate:"oneof=tcp udp"`
	// Format of a single entry
	Format        string `mapstructure:"format" validate:"oneof=json xml"`
	Tag           string `mapstructure:"tag"`
	EventID       string `mapstructure:"event_id"`
	EventCategory string `mapstructure:"event_category"`
}

func DefaultSyslogOptions() SyslogOptions {
	return SyslogOptions{
		Protocol: "tcp",
		Format:   "xml",
		Tag:      "dmarc",
	}
}

// Syslog writes one entry per aggregate record and one per forensic report.
type Syslog struct {
	logger *slog.Logger
	opts   SyslogOptions
	writer *syslog.Writer
}

func NewSyslogFromOptions(logger *slog.Logger, options map[string]any) (Transport, error) {
	opts := DefaultSyslogOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewSyslog(logger, opts), nil
}

func NewSyslog(logger *slog.Logger, opts SyslogOptions) *Syslog {
	return &Syslog{
		logger: logger,
		opts:   opts,
	}
}

func (s *Syslog) Open(context.Context) error {
	w, err := syslog.Dial(s.opts.Protocol, s.opts.Server, syslog.LOG_WARNING|syslog.LOG_DAEMON, s.opts.Tag)
	if err != nil {
		return fmt.Errorf("could not connect to syslog server %s: %w", s.opts.Server, err)
	}
	s.writer = w
	return nil
}

func (s *Syslog) Close(context.Context) error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

func (s *Syslog) marshal(v any) ([]byte, error) {
	switch s.opts.Format {
	case "json":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("could not marshal JSON: %w", err)
		}
		return b, nil
	case "xml":
		b, err := xml.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("could not marshal XML: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("invalid format %s", s.opts.Format)
	}
}

func (s *Syslog) write(entry []byte) error {
	s.logger.Debug("converted entry", slog.String("entry", string(entry)))
	// the returned length is the length of the input so it can be ignored
	if _, err := s.writer.Write(entry); err != nil {
		return fmt.Errorf("could not send syslog entry: %w", err)
	}
	return nil
}

// AggregateEntries renders the syslog entries of an aggregate report.
func (s *Syslog) AggregateEntries(r *report.AggregateReport) ([][]byte, error) {
	var ret [][]byte
	for _, row := range r.Rows() {
		row.EventID = s.opts.EventID
		row.EventCategory = s.opts.EventCategory
		b, err := s.marshal(row)
		if err != nil {
			return nil, err
		}
		ret = append(ret, b)
	}
	return ret, nil
}

// ForensicEntry renders the syslog entry of a forensic report.
func (s *Syslog) ForensicEntry(r *report.ForensicReport) ([]byte, error) {
	row := r.Row()
	row.EventID = s.opts.EventID
	row.EventCategory = s.opts.EventCategory
	return s.marshal(row)
}

func (s *Syslog) Aggregate(_ context.Context, r *report.AggregateReport) error {
	entries, err := s.AggregateEntries(r)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.write(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syslog) Forensic(_ context.Context, r *report.ForensicReport) error {
	entry, err := s.ForensicEntry(r)
	if err != nil {
		return err
	}
	return s.write(entry)
}
