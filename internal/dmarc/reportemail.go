package dmarc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/firefart/dmarcpipeline/internal/convert"
	"github.com/firefart/dmarcpipeline/internal/helper"
	"github.com/firefart/dmarcpipeline/internal/report"
)

var textReportRegex = regexp.MustCompile(`(?m)^\s*([a-zA-Z\s]+):\s(.+)$`)

const legacyTextReportMarker = "A message claiming to be from you has failed"

// reportEmail holds the report relevant parts of a mail message.
type reportEmail struct {
	subject   string
	date      time.Time
	feedback  string
	sample    string
	aggregate []byte
}

func (p *Parser) toRFC822(ctx context.Context, raw []byte) ([]byte, error) {
	if !helper.IsOutlookMessage(raw) {
		return raw, nil
	}
	if p.converter == nil {
		return nil, &EmailParserError{Err: fmt.Errorf("%w: no converter configured", convert.ErrConversion)}
	}
	converted, err := p.converter.Convert(ctx, raw)
	if err != nil {
		return nil, &EmailParserError{Err: err}
	}
	return converted, nil
}

// parseLegacyTextReport handles plain text failure reports that predate
// RFC 6591.
func parseLegacyTextReport(body string) (feedback, sample string, ok bool) {
	before, after, found := strings.Cut(body, "detected.")
	if !found {
		return "", "", false
	}
	fields := make(map[string]string)
	for _, m := range textReportRegex.FindAllStringSubmatch(before, -1) {
		name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(m[1])), " ", "-")
		fields[name] = strings.TrimSpace(m[2])
	}
	received, ok1 := fields["received-date"]
	ip, ok2 := fields["sender-ip-address"]
	if !ok1 || !ok2 {
		return "", "", false
	}
	feedback = fmt.Sprintf("Arrival-Date: %s\nSource-IP: %s", received, ip)
	sample = strings.ReplaceAll(strings.TrimLeft(after, " \t\r\n"), "=\r\n", "")
	return feedback, sample, true
}

func (p *Parser) readReportEmail(ctx context.Context, raw []byte) (*reportEmail, error) {
	raw, err := p.toRFC822(ctx, raw)
	if err != nil {
		return nil, err
	}
	e, _, err := readMessage(raw)
	if err != nil {
		return nil, err
	}
	h := mail.Header{Header: e.Header}

	re := &reportEmail{}
	if h.Has("Subject") {
		if re.subject, err = h.Subject(); err != nil {
			re.subject = h.Get("Subject")
		}
	}
	if h.Has("Date") {
		if t, err := ParseHumanTimestamp(h.Get("Date"), false); err == nil {
			re.date = t
		}
	}
	p.logger.Debug("parsing mail", slog.String("from", h.Get("From")), slog.String("subject", re.subject))

	walkErr := e.Walk(func(_ []int, part *message.Entity, err error) error {
		if part == nil {
			return nil
		}
		if err != nil {
			p.logger.Debug("mail part has encoding problems", slog.String("err", err.Error()))
		}
		mediaType, _ := partMediaType(part.Header)
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return &EmailParserError{Err: fmt.Errorf("could not read %s part: %w", mediaType, err)}
		}

		switch mediaType {
		case "message/feedback-report":
			text := string(data)
			if !strings.Contains(text, "Feedback-Type") {
				if decoded, err := helper.DecodeBase64(text); err == nil {
					text = string(decoded)
				}
			}
			re.feedback = strings.ReplaceAll(text, "\r", "")
		case "text/rfc822-headers", "message/rfc822":
			re.sample = string(data)
		case "text/plain":
			if strings.Contains(string(data), legacyTextReportMarker) {
				if feedback, sample, ok := parseLegacyTextReport(string(data)); ok {
					re.feedback = feedback
					re.sample = sample
				}
			}
		default:
			if re.aggregate != nil {
				return nil
			}
			if helper.IsReportPayload(data) {
				re.aggregate = data
			} else if decoded, err := helper.DecodeBase64(string(data)); err == nil && helper.IsReportPayload(decoded) {
				re.aggregate = decoded
			}
		}
		return nil
	})
	if walkErr != nil {
		var epe *EmailParserError
		if errors.As(walkErr, &epe) {
			return nil, walkErr
		}
		return nil, &EmailParserError{Err: walkErr}
	}
	return re, nil
}

// ParseReportEmail parses a mail carrying either an aggregate report
// attachment or a forensic report.
func (p *Parser) ParseReportEmail(ctx context.Context, raw []byte) (report.Report, error) {
	re, err := p.readReportEmail(ctx, raw)
	if err != nil {
		return nil, err
	}

	if re.aggregate != nil {
		xmlText, err := DecodeBytes(re.aggregate)
		if err != nil {
			return nil, fmt.Errorf("message with subject %q: %w", re.subject, err)
		}
		r, err := p.ParseAggregate(ctx, xmlText)
		if err != nil {
			return nil, fmt.Errorf("message with subject %q is not a valid aggregate report: %w", re.subject, err)
		}
		return r, nil
	}

	if re.feedback != "" && re.sample != "" {
		r, err := p.ParseForensicParts(ctx, re.feedback, re.sample, re.date)
		if err != nil {
			return nil, fmt.Errorf("message with subject %q is not a valid forensic report: %w", re.subject, err)
		}
		return r, nil
	}

	return nil, fmt.Errorf("%w: message with subject %q", ErrInvalidReport, re.subject)
}

// ParseForensic parses a forensic report mail, converting legacy Outlook
// messages first.
func (p *Parser) ParseForensic(ctx context.Context, raw []byte) (*report.ForensicReport, error) {
	re, err := p.readReportEmail(ctx, raw)
	if err != nil {
		return nil, err
	}
	if re.feedback == "" || re.sample == "" {
		return nil, fmt.Errorf("%w: message with subject %q: %w", ErrInvalidForensicReport, re.subject, errNoFeedback)
	}
	return p.ParseForensicParts(ctx, re.feedback, re.sample, re.date)
}

// ParseReportFile parses a raw aggregate report (xml, zip or gzip) or a
// report email.
func (p *Parser) ParseReportFile(ctx context.Context, data []byte) (report.Report, error) {
	xmlText, err := DecodeBytes(data)
	switch {
	case err == nil:
		r, err := p.ParseAggregate(ctx, xmlText)
		if err != nil {
			return nil, err
		}
		return r, nil
	case errors.Is(err, ErrUnsupportedFormat):
		return p.ParseReportEmail(ctx, data)
	default:
		return nil, err
	}
}
