package dmarc

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcpipeline/internal/convert"
	"github.com/firefart/dmarcpipeline/internal/report"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var forensicEmail = crlf(`From: DMARC Reporter <dmarc@reporter.example.net>
To: dmarc@example.com
Subject: FW: Hello world
Date: Tue, 05 Mar 2024 10:05:00 +0100
MIME-Version: 1.0
Content-Type: multipart/report; report-type=feedback-report; boundary="b1"

--b1
Content-Type: text/plain; charset="us-ascii"

This is an email abuse report for an email message received from IP 192.0.2.10.

--b1
Content-Type: message/feedback-report

Feedback-Type: auth-failure
User-Agent: Reporter/1.0
Version: 1
Original-Mail-From: <bounce@example.com>
Arrival-Date: Tue, 05 Mar 2024 10:00:00 +0100
Source-IP: 192.0.2.10
Reported-Domain: example.com
Authentication-Results: mx.example.net; dkim=fail header.d=example.com; spf=pass smtp.mailfrom=example.com; dmarc=fail header.from=example.com
Auth-Failure: dmarc, spf
Delivery-Result: Reject
Identity-Alignment: dkim, spf

--b1
Content-Type: message/rfc822

From: Alice <alice@Example.com>
To: bob@example.org
Subject: Hello world
Message-ID: <abc123@example.com>
Date: Tue, 05 Mar 2024 09:59:00 +0100

Hi Bob
--b1--
`)

func TestParseForensicEmail(t *testing.T) {
	t.Parallel()

	p := NewParser(discardLogger(), Options{Offline: true})
	r, err := p.ParseReportEmail(context.Background(), []byte(forensicEmail))
	require.NoError(t, err)
	require.Equal(t, report.KindForensic, r.Kind())

	f, ok := r.(*report.ForensicReport)
	require.True(t, ok)
	assert.Equal(t, "auth-failure", f.FeedbackType)
	assert.Equal(t, "Reporter/1.0", *f.UserAgent)
	assert.Equal(t, "<bounce@example.com>", *f.OriginalMailFrom)
	assert.Nil(t, f.OriginalRcptTo)
	assert.Equal(t, "2024-03-05 09:00:00", f.ArrivalDateUTC.String())
	assert.Equal(t, "192.0.2.10", f.Source.IPAddress)
	assert.Nil(t, f.Source.ReverseDNS)
	assert.Equal(t, "reject", f.DeliveryResult)
	assert.Equal(t, []string{"dmarc", "spf"}, f.AuthFailure)
	assert.Equal(t, []string{"dkim", "spf"}, f.AuthenticationMechanisms)
	assert.Equal(t, "example.com", f.ReportedDomain)
	assert.Equal(t, []report.AuthenticationResult{
		{Method: "dkim", Result: "fail"},
		{Method: "spf", Result: "pass"},
		{Method: "dmarc", Result: "fail"},
	}, f.AuthenticationResultsParsed)
	assert.False(t, f.SampleHeadersOnly)

	assert.Equal(t, "Hello world", *f.Subject)
	assert.Equal(t, "abc123@example.com", *f.MessageID)
	s := f.ParsedSample
	assert.Equal(t, "Hello world", s.FilenameSafeSubject)
	require.NotNil(t, s.From)
	assert.Equal(t, "Alice", *s.From.DisplayName)
	assert.Equal(t, "alice", *s.From.Local)
	assert.Equal(t, "example.com", *s.From.Domain)
	require.Len(t, s.To, 1)
	assert.Equal(t, "bob@example.org", s.To[0].Address)
	require.NotNil(t, s.Body)
	assert.Equal(t, "Hi Bob", strings.TrimSpace(*s.Body))
	require.NotNil(t, s.Date)
	assert.Equal(t, time.Date(2024, 3, 5, 8, 59, 0, 0, time.UTC), s.Date.UTC())

	assert.Regexp(t, `^Hello world-[0-9a-f]{12}$`, f.ID())
	assert.Equal(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), f.Date())
}

func TestParseForensicHeadersOnly(t *testing.T) {
	t.Parallel()

	raw := crlf(`From: reporter@example.net
Subject: Report
Date: Tue, 05 Mar 2024 10:05:00 +0000
Content-Type: multipart/report; report-type=feedback-report; boundary="b1"

--b1
Content-Type: message/feedback-report

Feedback-Type: auth-failure
Source-IP: 2001:db8::1
Delivery-Result: policy

--b1
Content-Type: text/rfc822-headers

From: alice@example.org
Subject: headers only
--b1--
`)

	p := NewParser(discardLogger(), Options{Offline: true})
	f, err := p.ParseForensic(context.Background(), []byte(raw))
	require.NoError(t, err)
	assert.True(t, f.SampleHeadersOnly)
	assert.False(t, f.ParsedSample.HasDefects)
	assert.Empty(t, f.ParsedSample.Defects)
	assert.Equal(t, "2001:db8::1", f.Source.IPAddress)
	assert.Equal(t, "policy", f.DeliveryResult)
	assert.Equal(t, []string{"dmarc"}, f.AuthFailure)
	assert.Empty(t, f.AuthenticationMechanisms)
	assert.Equal(t, "example.org", f.ReportedDomain)
	// no Arrival-Date, the carrying message date is used
	assert.Equal(t, "2024-03-05 10:05:00", f.ArrivalDateUTC.String())
}

func TestParseForensicPartsInvalid(t *testing.T) {
	t.Parallel()

	p := NewParser(discardLogger(), Options{Offline: true})
	sample := crlf("From: alice@example.com\nSubject: x\n\nbody")
	now := time.Now()

	tests := map[string]struct {
		feedback string
		date     time.Time
	}{
		"missing source ip": {feedback: "Feedback-Type: auth-failure\nArrival-Date: Tue, 05 Mar 2024 10:00:00 +0100", date: now},
		"bad arrival date":  {feedback: "Arrival-Date: sometime soon\nSource-IP: 192.0.2.1", date: now},
		"no date at all":    {feedback: "Source-IP: 192.0.2.1"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := p.ParseForensicParts(context.Background(), tc.feedback, sample, tc.date)
			require.ErrorIs(t, err, ErrInvalidForensicReport)
		})
	}

	_, err := p.ParseForensicParts(context.Background(), "Source-IP: 192.0.2.1", "Subject: no sender\r\n\r\nbody", now)
	require.ErrorIs(t, err, ErrInvalidForensicReport)
}

func TestParseForensicEmailWithoutDates(t *testing.T) {
	t.Parallel()

	p := NewParser(discardLogger(), Options{Offline: true})
	raw := strings.Replace(forensicEmail, "Date: Tue, 05 Mar 2024 10:05:00 +0100\r\n", "", 1)
	raw = strings.Replace(raw, "Arrival-Date: Tue, 05 Mar 2024 10:00:00 +0100\r\n", "", 1)
	require.NotContains(t, raw, "Arrival-Date")

	_, err := p.ParseReportEmail(context.Background(), []byte(raw))
	require.ErrorIs(t, err, ErrInvalidForensicReport)

	// the carrying message date stands in for the missing arrival date
	raw = strings.Replace(forensicEmail, "Arrival-Date: Tue, 05 Mar 2024 10:00:00 +0100\r\n", "", 1)
	r, err := p.ParseReportEmail(context.Background(), []byte(raw))
	require.NoError(t, err)
	f, ok := r.(*report.ForensicReport)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 5, 0, 0, time.UTC), f.ArrivalDateUTC.Time().UTC())
}

func TestParseForensicPartsEnriched(t *testing.T) {
	t.Parallel()

	e := &countingEnricher{}
	p := NewParser(discardLogger(), Options{Enricher: e})
	f, err := p.ParseForensicParts(context.Background(), "Source-IP: 192.0.2.1 (mail.example.net)\nReported-Domain: example.com\nIdentity-Alignment: none",
		crlf("From: alice@example.com\nSubject: x\n\nbody"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", f.Source.IPAddress)
	assert.Equal(t, "US", *f.Source.Country)
	assert.Empty(t, f.AuthenticationMechanisms)
	assert.Equal(t, "other", f.DeliveryResult)
	assert.Equal(t, 1, e.calls["192.0.2.1"])
}

const attachmentSample = `From: alice@example.com
Subject: with attachment
Content-Type: multipart/mixed; boundary="m1"

--m1
Content-Type: text/plain

see attached
--m1
Content-Type: text/plain; name="a.txt"
Content-Disposition: attachment; filename="a.txt"
Content-Transfer-Encoding: base64

aGVsbG8=
--m1--
`

func TestParseEmailAttachments(t *testing.T) {
	t.Parallel()

	const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	e, err := parseEmail([]byte(crlf(attachmentSample)), false)
	require.NoError(t, err)
	require.Len(t, e.Attachments, 1)
	att := e.Attachments[0]
	assert.Equal(t, "a.txt", att.Filename)
	assert.Equal(t, "text/plain", att.ContentType)
	assert.Equal(t, "base64", att.ContentTransferEncoding)
	assert.Equal(t, helloSHA256, att.SHA256)
	require.NotNil(t, att.Payload)
	assert.Equal(t, "aGVsbG8=", *att.Payload)
	require.NotNil(t, e.Body)
	assert.Equal(t, "see attached", strings.TrimSpace(*e.Body))
	assert.False(t, isHeadersOnly(e))

	stripped, err := parseEmail([]byte(crlf(attachmentSample)), true)
	require.NoError(t, err)
	require.Len(t, stripped.Attachments, 1)
	assert.Nil(t, stripped.Attachments[0].Payload)
	assert.Equal(t, helloSHA256, stripped.Attachments[0].SHA256)
}

func TestParseLegacyTextReport(t *testing.T) {
	t.Parallel()

	raw := crlf(`From: postmaster@reporter.example.net
Subject: DMARC failure report
Date: Tue, 05 Mar 2024 10:05:00 +0000
Content-Type: text/plain

A message claiming to be from you has failed the published DMARC policy for your domain.

  Sender Domain: example.com
  Sender IP Address: 192.0.2.77
  Received Date: Tue, 05 Mar 2024 10:00:00 +0100
  SPF Alignment: no
  DKIM Alignment: no
  DMARC Results: Reject

The message below was detected.

From: alice@example.com
Subject: legacy

body
`)

	p := NewParser(discardLogger(), Options{Offline: true})
	f, err := p.ParseForensic(context.Background(), []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.77", f.Source.IPAddress)
	assert.Equal(t, "2024-03-05 09:00:00", f.ArrivalDateUTC.String())
	assert.Equal(t, "example.com", f.ReportedDomain)
	assert.Equal(t, "legacy", *f.Subject)
}

type fakeConverter struct {
	out []byte
	err error
}

func (c fakeConverter) Convert(context.Context, []byte) ([]byte, error) {
	return c.out, c.err
}

func TestParseOutlookMessage(t *testing.T) {
	t.Parallel()

	msg := append([]byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}, make([]byte, 64)...)

	t.Run("no converter", func(t *testing.T) {
		p := NewParser(discardLogger(), Options{Offline: true})
		_, err := p.ParseReportFile(context.Background(), msg)
		require.ErrorIs(t, err, convert.ErrConversion)
		var epe *EmailParserError
		assert.ErrorAs(t, err, &epe)
	})

	t.Run("converter fails", func(t *testing.T) {
		p := NewParser(discardLogger(), Options{Offline: true, Converter: fakeConverter{err: errors.New("boom")}})
		_, err := p.ParseForensic(context.Background(), msg)
		var epe *EmailParserError
		require.ErrorAs(t, err, &epe)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("converted", func(t *testing.T) {
		p := NewParser(discardLogger(), Options{Offline: true, Converter: fakeConverter{out: []byte(forensicEmail)}})
		f, err := p.ParseForensic(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.10", f.Source.IPAddress)
	})
}

func TestParseAggregateEmail(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString(gzipBytes(t, []byte(aggregateXML(defaultMetadata, defaultPolicy, singleRecord))))
	raw := crlf(`From: noreply-dmarc-support@google.com
Subject: Report domain: example.com Submitter: google.com Report-ID: r1
Content-Type: multipart/mixed; boundary="b2"

--b2
Content-Type: text/plain

report attached
--b2
Content-Type: application/gzip
Content-Transfer-Encoding: base64
Content-Disposition: attachment; filename="google.com!example.com!1709596800!1709683199.xml.gz"

` + payload + `
--b2--
`)

	p := NewParser(discardLogger(), Options{Offline: true})
	for _, parse := range []func(context.Context, []byte) (report.Report, error){p.ParseReportEmail, p.ParseReportFile} {
		r, err := parse(context.Background(), []byte(raw))
		require.NoError(t, err)
		require.Equal(t, report.KindAggregate, r.Kind())
		assert.Equal(t, "r1", r.ID())
	}
}

func TestParseReportEmailNotAReport(t *testing.T) {
	t.Parallel()

	raw := crlf("From: alice@example.com\nSubject: lunch?\n\nare you hungry")
	p := NewParser(discardLogger(), Options{Offline: true})

	_, err := p.ParseReportEmail(context.Background(), []byte(raw))
	require.ErrorIs(t, err, ErrInvalidReport)
	assert.Contains(t, err.Error(), "lunch?")

	_, err = p.ParseForensic(context.Background(), []byte(raw))
	require.ErrorIs(t, err, ErrInvalidForensicReport)
	assert.ErrorIs(t, err, errNoFeedback)
}

func TestNormalizeDeliveryResult(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Delivered":         "delivered",
		"spam":              "spam",
		"Policy applied":    "policy",
		"reject":            "reject",
		"":                  "other",
		"bounced":           "other",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeDeliveryResult(in), in)
	}
}
