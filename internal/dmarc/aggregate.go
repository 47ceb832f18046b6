package dmarc

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"

	"github.com/firefart/dmarcpipeline/internal/report"
)

var (
	// some reporters send broken xml declarations
	xmlHeaderRegex = regexp.MustCompile(`(?m)^<\?xml [^>]*>`)
	// some xmls contain invalid XML by adding an unclosed xs tag
	xmlSchemaRegex = regexp.MustCompile(`</?xs:schema[^>]*>`)
)

const maxReportTimespan = 2 * 24 * time.Hour

const (
	dropMissingSourceIP = "missing_source_ip"
	dropInvalidSourceIP = "invalid_source_ip"
	dropMissingCount    = "missing_count"
	dropInvalidCount    = "invalid_count"
)

func unmarshalFeedback(content string, strict bool) (*xmlFeedback, error) {
	d := xml.NewDecoder(strings.NewReader(content))
	d.CharsetReader = charset.Reader
	d.Strict = strict
	if !strict {
		d.AutoClose = xml.HTMLAutoClose
		d.Entity = xml.HTMLEntity
	}
	var doc xmlFeedback
	if err := d.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func parseUnixTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(i, 0).UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return time.Unix(int64(f), 0).UTC(), nil
}

func valueOr(s *string, def string) string {
	if s == nil {
		return def
	}
	if v := strings.TrimSpace(*s); v != "" {
		return v
	}
	return def
}

func nonEmptyOr(s, def string) string {
	if v := strings.TrimSpace(s); v != "" {
		return v
	}
	return def
}

// ParseAggregate converts aggregate report XML into the canonical model.
// Malformed records are skipped, a report without its mandatory metadata
// fails with ErrInvalidAggregateReport.
func (p *Parser) ParseAggregate(ctx context.Context, content string) (*report.AggregateReport, error) {
	var errs []string

	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, "")
		errs = append(errs, "Invalid UTF-8 sequences were removed")
		p.logger.Warn("removed invalid utf-8 sequences from aggregate report")
	}

	content = xmlHeaderRegex.ReplaceAllString(content, `<?xml version="1.0"?>`)
	content = xmlSchemaRegex.ReplaceAllString(content, "")

	doc, err := unmarshalFeedback(content, true)
	if err != nil {
		errs = append(errs, fmt.Sprintf("Invalid XML: %v", err))
		doc, err = unmarshalFeedback(content, false)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid xml: %v", ErrInvalidAggregateReport, err)
		}
	}

	meta := doc.ReportMetadata
	if meta == nil {
		return nil, fmt.Errorf("%w: missing report_metadata", ErrInvalidAggregateReport)
	}
	orgName := meta.OrgName
	if strings.TrimSpace(orgName) == "" && meta.Email != "" {
		parts := strings.Split(meta.Email, "@")
		orgName = parts[len(parts)-1]
	}
	if strings.TrimSpace(orgName) == "" {
		return nil, fmt.Errorf("%w: organization name is missing", ErrInvalidAggregateReport)
	}
	if strings.TrimSpace(meta.ReportID) == "" {
		return nil, fmt.Errorf("%w: report_id is missing", ErrInvalidAggregateReport)
	}
	if meta.DateRange == nil {
		return nil, fmt.Errorf("%w: date_range is missing", ErrInvalidAggregateReport)
	}
	begin, err := parseUnixTimestamp(meta.DateRange.Begin)
	if err != nil {
		return nil, fmt.Errorf("%w: date_range begin: %v", ErrInvalidAggregateReport, err)
	}
	end, err := parseUnixTimestamp(meta.DateRange.End)
	if err != nil {
		return nil, fmt.Errorf("%w: date_range end: %v", ErrInvalidAggregateReport, err)
	}
	if begin.After(end) {
		return nil, fmt.Errorf("%w: date_range begin %s is after end %s", ErrInvalidAggregateReport, begin, end)
	}
	if end.Sub(begin) > maxReportTimespan {
		errs = append(errs, "Timespan > 24 hours - RFC 7489 section 7.2")
	}
	errs = append(errs, meta.Errors...)
	if errs == nil {
		errs = []string{}
	}

	pp := doc.PolicyPublished
	if pp == nil || strings.TrimSpace(pp.Domain) == "" {
		return nil, fmt.Errorf("%w: policy_published domain is missing", ErrInvalidAggregateReport)
	}
	pct := 100
	if v := strings.TrimSpace(pp.Pct); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("Invalid pct %q, using 100", v))
		case n < 0 || n > 100:
			pct = min(max(n, 0), 100)
			errs = append(errs, fmt.Sprintf("pct %d out of range, using %d", n, pct))
		default:
			pct = n
		}
	}
	policy := nonEmptyOr(pp.P, "none")

	r := &report.AggregateReport{
		XMLSchema: valueOr(doc.Version, "draft"),
		Metadata: report.Metadata{
			OrgName:             orgName,
			OrgEmail:            meta.Email,
			OrgExtraContactInfo: meta.ExtraContactInfo,
			ReportID:            meta.ReportID,
			BeginDate:           report.Timestamp(begin),
			EndDate:             report.Timestamp(end),
			Errors:              errs,
		},
		PolicyPublished: report.PolicyPublished{
			Domain: pp.Domain,
			ADKIM:  nonEmptyOr(pp.Adkim, "r"),
			ASPF:   nonEmptyOr(pp.Aspf, "r"),
			P:      policy,
			SP:     nonEmptyOr(pp.Sp, policy),
			PCT:    pct,
			FO:     nonEmptyOr(pp.Fo, "0"),
		},
		Records: make([]report.Record, 0, len(doc.Records)),
	}

	sources := make(map[string]report.Source)
	for i, rec := range doc.Records {
		record, reason := p.parseRecord(ctx, rec, sources)
		if reason != "" {
			p.logger.Warn("skipping malformed aggregate record",
				slog.String("report_id", meta.ReportID),
				slog.String("org_name", orgName),
				slog.Int("record", i),
				slog.String("reason", reason))
			p.metrics.RecordDropped(reason)
			continue
		}
		r.Records = append(r.Records, record)
	}

	p.metrics.ReportParsed(string(report.KindAggregate))
	return r, nil
}

// parseRecord returns a drop reason for records that can not be used.
func (p *Parser) parseRecord(ctx context.Context, rec xmlRecord, sources map[string]report.Source) (report.Record, string) {
	if rec.Row.SourceIP == nil || strings.TrimSpace(*rec.Row.SourceIP) == "" {
		return report.Record{}, dropMissingSourceIP
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(*rec.Row.SourceIP))
	if err != nil {
		return report.Record{}, dropInvalidSourceIP
	}
	if rec.Row.Count == nil || strings.TrimSpace(*rec.Row.Count) == "" {
		return report.Record{}, dropMissingCount
	}
	count, err := strconv.Atoi(strings.TrimSpace(*rec.Row.Count))
	if err != nil || count < 1 {
		return report.Record{}, dropInvalidCount
	}

	ip := addr.String()
	src, ok := sources[ip]
	if !ok {
		src = p.enrich(ctx, ip)
		sources[ip] = src
	}

	pe := rec.Row.PolicyEvaluated
	disposition := valueOr(pe.Disposition, "none")
	if strings.EqualFold(disposition, "pass") {
		disposition = "none"
	}
	dkim := valueOr(pe.Dkim, "fail")
	spf := valueOr(pe.Spf, "fail")

	reasons := make([]report.PolicyOverrideReason, 0, len(pe.Reasons))
	for _, reason := range pe.Reasons {
		reasons = append(reasons, report.PolicyOverrideReason{
			Type:    strings.TrimSpace(reason.Type),
			Comment: reason.Comment,
		})
	}

	ids := rec.Identifiers
	if ids == nil {
		ids = rec.Identities
	}
	if ids == nil {
		ids = &xmlIdentifiers{}
	}

	record := report.Record{
		Source: src,
		Count:  count,
		Alignment: report.Alignment{
			SPF:  strings.EqualFold(spf, "pass"),
			DKIM: strings.EqualFold(dkim, "pass"),
		},
		PolicyEvaluated: report.PolicyEvaluated{
			Disposition:           disposition,
			DKIM:                  dkim,
			SPF:                   spf,
			PolicyOverrideReasons: reasons,
		},
		Identifiers: report.Identifiers{
			HeaderFrom: strings.ToLower(strings.TrimSpace(ids.HeaderFrom)),
			EnvelopeTo: ids.EnvelopeTo,
		},
		AuthResults: report.AuthResults{
			DKIM: []report.DKIMResult{},
			SPF:  []report.SPFResult{},
		},
	}
	record.Alignment.DMARC = record.Alignment.SPF || record.Alignment.DKIM

	for _, d := range rec.AuthResults.Dkim {
		if strings.TrimSpace(d.Domain) == "" {
			continue
		}
		record.AuthResults.DKIM = append(record.AuthResults.DKIM, report.DKIMResult{
			Domain:   strings.TrimSpace(d.Domain),
			Selector: nonEmptyOr(d.Selector, "none"),
			Result:   nonEmptyOr(d.Result, "none"),
		})
	}
	for _, s := range rec.AuthResults.Spf {
		if strings.TrimSpace(s.Domain) == "" {
			continue
		}
		record.AuthResults.SPF = append(record.AuthResults.SPF, report.SPFResult{
			Domain: strings.TrimSpace(s.Domain),
			Scope:  nonEmptyOr(s.Scope, "mfrom"),
			Result: nonEmptyOr(s.Result, "none"),
		})
	}

	if ids.EnvelopeFrom != nil && strings.TrimSpace(*ids.EnvelopeFrom) != "" {
		record.Identifiers.EnvelopeFrom = ids.EnvelopeFrom
	} else if n := len(record.AuthResults.SPF); n > 0 {
		record.Identifiers.EnvelopeFrom = report.String(strings.ToLower(record.AuthResults.SPF[n-1].Domain))
	}

	return record, ""
}
