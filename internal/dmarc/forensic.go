package dmarc

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/firefart/dmarcpipeline/internal/report"
)

var feedbackReportRegex = regexp.MustCompile(`(?m)^([\w\-]+): (.+)$`)

var deliveryResults = []string{"delivered", "spam", "policy", "reject", "other"}

func normalizeDeliveryResult(v string) string {
	v = strings.ToLower(v)
	for _, r := range deliveryResults {
		if strings.Contains(v, r) {
			return r
		}
	}
	return "other"
}

func splitList(v string) []string {
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseAuthenticationResults extracts the method=result pairs of an
// Authentication-Results value. The leading authserv-id is skipped.
func parseAuthenticationResults(v string) []report.AuthenticationResult {
	out := []report.AuthenticationResult{}
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		method, rest, ok := strings.Cut(part, "=")
		if !ok || method == "" || strings.ContainsAny(method, " \t") {
			continue
		}
		result := rest
		if i := strings.IndexAny(rest, " \t("); i >= 0 {
			result = rest[:i]
		}
		out = append(out, report.AuthenticationResult{
			Method: strings.ToLower(method),
			Result: strings.ToLower(result),
		})
	}
	return out
}

// ParseForensicParts builds a forensic report from the text of a
// message/feedback-report part and the sample message or headers. msgDate
// is used when the feedback report has no Arrival-Date, the zero time means
// the carrying message had no date either.
func (p *Parser) ParseForensicParts(ctx context.Context, feedback, sample string, msgDate time.Time) (*report.ForensicReport, error) {
	fields := make(map[string]string)
	for _, m := range feedbackReportRegex.FindAllStringSubmatch(feedback, -1) {
		key := strings.ReplaceAll(strings.ToLower(m[1]), "-", "_")
		fields[key] = strings.TrimSpace(m[2])
	}

	var arrival time.Time
	if v, ok := fields["arrival_date"]; ok {
		t, err := ParseHumanTimestamp(v, false)
		if err != nil {
			return nil, fmt.Errorf("%w: arrival date: %v", ErrInvalidForensicReport, err)
		}
		arrival = t
	} else {
		if msgDate.IsZero() {
			return nil, fmt.Errorf("%w: forensic sample is not a valid email", ErrInvalidForensicReport)
		}
		arrival = msgDate
	}

	sourceIP := strings.Fields(fields["source_ip"])
	if len(sourceIP) == 0 {
		return nil, fmt.Errorf("%w: missing source ip", ErrInvalidForensicReport)
	}

	parsedSample, err := parseEmail([]byte(sample), p.strip)
	if err != nil {
		return nil, fmt.Errorf("%w: sample: %w", ErrInvalidForensicReport, err)
	}

	r := &report.ForensicReport{
		FeedbackType:             fields["feedback_type"],
		UserAgent:                report.StringOrNil(fields["user_agent"]),
		Version:                  report.StringOrNil(fields["version"]),
		OriginalEnvelopeID:       report.StringOrNil(fields["original_envelope_id"]),
		OriginalMailFrom:         report.StringOrNil(fields["original_mail_from"]),
		OriginalRcptTo:           report.StringOrNil(fields["original_rcpt_to"]),
		ArrivalDate:              arrival,
		ArrivalDateUTC:           report.Timestamp(arrival.UTC()),
		Subject:                  parsedSample.Subject,
		MessageID:                parsedSample.MessageID,
		AuthenticationResults:    report.StringOrNil(fields["authentication_results"]),
		DKIMDomain:               report.StringOrNil(fields["dkim_domain"]),
		Source:                   p.enrich(ctx, sourceIP[0]),
		DeliveryResult:           normalizeDeliveryResult(fields["delivery_result"]),
		AuthFailure:              splitList(fields["auth_failure"]),
		ReportedDomain:           fields["reported_domain"],
		AuthenticationMechanisms: []string{},
		Sample:                   sample,
		ParsedSample:             parsedSample,
	}
	if r.AuthenticationResults != nil {
		r.AuthenticationResultsParsed = parseAuthenticationResults(*r.AuthenticationResults)
	}
	if len(r.AuthFailure) == 0 {
		r.AuthFailure = []string{"dmarc"}
	}
	if v := fields["identity_alignment"]; v != "" && v != "none" {
		r.AuthenticationMechanisms = splitList(v)
	}
	if r.ReportedDomain == "" && parsedSample.From != nil && parsedSample.From.Domain != nil {
		r.ReportedDomain = *parsedSample.From.Domain
	}
	if r.ReportedDomain == "" {
		return nil, fmt.Errorf("%w: could not determine reported domain", ErrInvalidForensicReport)
	}

	r.SampleHeadersOnly = isHeadersOnly(parsedSample)
	if r.SampleHeadersOnly {
		// a headers only sample always looks defective
		r.ParsedSample.Defects = nil
		r.ParsedSample.HasDefects = false
	}

	p.metrics.ReportParsed(string(report.KindForensic))
	return r, nil
}
