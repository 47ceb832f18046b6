package report

import (
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// AggregateRow is one flattened record of an aggregate report. It is the
// shape written to CSV, syslog and columnar stores.
type AggregateRow struct {
	XMLName                xml.Name `xml:"aggregate_record" json:"-"`
	EventID                string   `xml:"event_id,omitempty" json:"event_id,omitempty"`             // SIEM specific
	EventCategory          string   `xml:"event_category,omitempty" json:"event_category,omitempty"` // SIEM specific
	XMLSchema              string   `xml:"xml_schema" json:"xml_schema"`
	OrgName                string   `xml:"org_name" json:"org_name"`
	OrgEmail               string   `xml:"org_email" json:"org_email"`
	OrgExtraContactInfo    string   `xml:"org_extra_contact_info" json:"org_extra_contact_info"`
	ReportID               string   `xml:"report_id" json:"report_id"`
	BeginDate              string   `xml:"begin_date" json:"begin_date"`
	EndDate                string   `xml:"end_date" json:"end_date"`
	Errors                 string   `xml:"errors" json:"errors"`
	Domain                 string   `xml:"domain" json:"domain"`
	ADKIM                  string   `xml:"adkim" json:"adkim"`
	ASPF                   string   `xml:"aspf" json:"aspf"`
	P                      string   `xml:"p" json:"p"`
	SP                     string   `xml:"sp" json:"sp"`
	PCT                    int      `xml:"pct" json:"pct"`
	FO                     string   `xml:"fo" json:"fo"`
	SourceIPAddress        string   `xml:"source_ip_address" json:"source_ip_address"`
	SourceCountry          string   `xml:"source_country" json:"source_country"`
	SourceReverseDNS       string   `xml:"source_reverse_dns" json:"source_reverse_dns"`
	SourceBaseDomain       string   `xml:"source_base_domain" json:"source_base_domain"`
	Count                  int      `xml:"count" json:"count"`
	SPFAligned             bool     `xml:"spf_aligned" json:"spf_aligned"`
	DKIMAligned            bool     `xml:"dkim_aligned" json:"dkim_aligned"`
	DMARCAligned           bool     `xml:"dmarc_aligned" json:"dmarc_aligned"`
	Disposition            string   `xml:"disposition" json:"disposition"`
	PolicyOverrideReasons  string   `xml:"policy_override_reasons" json:"policy_override_reasons"`
	PolicyOverrideComments string   `xml:"policy_override_comments" json:"policy_override_comments"`
	EnvelopeFrom           string   `xml:"envelope_from" json:"envelope_from"`
	HeaderFrom             string   `xml:"header_from" json:"header_from"`
	EnvelopeTo             string   `xml:"envelope_to" json:"envelope_to"`
	DKIMDomains            string   `xml:"dkim_domains" json:"dkim_domains"`
	DKIMSelectors          string   `xml:"dkim_selectors" json:"dkim_selectors"`
	DKIMResults            string   `xml:"dkim_results" json:"dkim_results"`
	SPFDomains             string   `xml:"spf_domains" json:"spf_domains"`
	SPFScopes              string   `xml:"spf_scopes" json:"spf_scopes"`
	SPFResults             string   `xml:"spf_results" json:"spf_results"`
}

// AggregateFields is the CSV header for AggregateRow.
var AggregateFields = []string{
	"xml_schema", "org_name", "org_email", "org_extra_contact_info", "report_id",
	"begin_date", "end_date", "errors", "domain", "adkim", "aspf", "p", "sp", "pct",
	"fo", "source_ip_address", "source_country", "source_reverse_dns",
	"source_base_domain", "count", "spf_aligned", "dkim_aligned", "dmarc_aligned",
	"disposition", "policy_override_reasons", "policy_override_comments",
	"envelope_from", "header_from", "envelope_to", "dkim_domains", "dkim_selectors",
	"dkim_results", "spf_domains", "spf_scopes", "spf_results",
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func joinLower(values []string) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return strings.Join(out, ",")
}

// Rows flattens the report to one row per record.
func (r *AggregateReport) Rows() []AggregateRow {
	base := AggregateRow{
		XMLSchema:           r.XMLSchema,
		OrgName:             r.Metadata.OrgName,
		OrgEmail:            r.Metadata.OrgEmail,
		OrgExtraContactInfo: deref(r.Metadata.OrgExtraContactInfo),
		ReportID:            r.Metadata.ReportID,
		BeginDate:           r.Metadata.BeginDate.String(),
		EndDate:             r.Metadata.EndDate.String(),
		Errors:              strings.Join(r.Metadata.Errors, "|"),
		Domain:              r.PolicyPublished.Domain,
		ADKIM:               r.PolicyPublished.ADKIM,
		ASPF:                r.PolicyPublished.ASPF,
		P:                   r.PolicyPublished.P,
		SP:                  r.PolicyPublished.SP,
		PCT:                 r.PolicyPublished.PCT,
		FO:                  r.PolicyPublished.FO,
	}

	rows := make([]AggregateRow, 0, len(r.Records))
	for _, rec := range r.Records {
		row := base
		row.SourceIPAddress = rec.Source.IPAddress
		row.SourceCountry = deref(rec.Source.Country)
		row.SourceReverseDNS = deref(rec.Source.ReverseDNS)
		row.SourceBaseDomain = deref(rec.Source.BaseDomain)
		row.Count = rec.Count
		row.SPFAligned = rec.Alignment.SPF
		row.DKIMAligned = rec.Alignment.DKIM
		row.DMARCAligned = rec.Alignment.DMARC
		row.Disposition = rec.PolicyEvaluated.Disposition

		var reasons, comments []string
		for _, reason := range rec.PolicyEvaluated.PolicyOverrideReasons {
			reasons = append(reasons, reason.Type)
			if reason.Comment == nil {
				comments = append(comments, "none")
			} else {
				comments = append(comments, *reason.Comment)
			}
		}
		row.PolicyOverrideReasons = strings.Join(reasons, ",")
		row.PolicyOverrideComments = strings.Join(comments, "|")

		row.EnvelopeFrom = deref(rec.Identifiers.EnvelopeFrom)
		row.HeaderFrom = rec.Identifiers.HeaderFrom
		row.EnvelopeTo = deref(rec.Identifiers.EnvelopeTo)

		var dkimDomains, dkimSelectors, dkimResults []string
		for _, d := range rec.AuthResults.DKIM {
			dkimDomains = append(dkimDomains, d.Domain)
			dkimSelectors = append(dkimSelectors, d.Selector)
			dkimResults = append(dkimResults, d.Result)
		}
		row.DKIMDomains = joinLower(dkimDomains)
		row.DKIMSelectors = joinLower(dkimSelectors)
		row.DKIMResults = joinLower(dkimResults)

		var spfDomains, spfScopes, spfResults []string
		for _, s := range rec.AuthResults.SPF {
			spfDomains = append(spfDomains, s.Domain)
			spfScopes = append(spfScopes, s.Scope)
			spfResults = append(spfResults, s.Result)
		}
		row.SPFDomains = joinLower(spfDomains)
		row.SPFScopes = joinLower(spfScopes)
		row.SPFResults = joinLower(spfResults)

		rows = append(rows, row)
	}
	return rows
}

// Values returns the row in AggregateFields order.
func (r AggregateRow) Values() []string {
	return []string{
		r.XMLSchema, r.OrgName, r.OrgEmail, r.OrgExtraContactInfo, r.ReportID,
		r.BeginDate, r.EndDate, r.Errors, r.Domain, r.ADKIM, r.ASPF, r.P, r.SP,
		strconv.Itoa(r.PCT), r.FO, r.SourceIPAddress, r.SourceCountry,
		r.SourceReverseDNS, r.SourceBaseDomain, strconv.Itoa(r.Count),
		strconv.FormatBool(r.SPFAligned), strconv.FormatBool(r.DKIMAligned),
		strconv.FormatBool(r.DMARCAligned), r.Disposition, r.PolicyOverrideReasons,
		r.PolicyOverrideComments, r.EnvelopeFrom, r.HeaderFrom, r.EnvelopeTo,
		r.DKIMDomains, r.DKIMSelectors, r.DKIMResults, r.SPFDomains, r.SPFScopes,
		r.SPFResults,
	}
}

// ForensicRow is the flattened form of a forensic report without the sample.
type ForensicRow struct {
	XMLName                  xml.Name `xml:"forensic_report" json:"-"`
	EventID                  string   `xml:"event_id,omitempty" json:"event_id,omitempty"`
	EventCategory            string   `xml:"event_category,omitempty" json:"event_category,omitempty"`
	FeedbackType             string   `xml:"feedback_type" json:"feedback_type"`
	UserAgent                string   `xml:"user_agent" json:"user_agent"`
	Version                  string   `xml:"version" json:"version"`
	OriginalEnvelopeID       string   `xml:"original_envelope_id" json:"original_envelope_id"`
	OriginalMailFrom         string   `xml:"original_mail_from" json:"original_mail_from"`
	OriginalRcptTo           string   `xml:"original_rcpt_to" json:"original_rcpt_to"`
	ArrivalDate              string   `xml:"arrival_date" json:"arrival_date"`
	ArrivalDateUTC           string   `xml:"arrival_date_utc" json:"arrival_date_utc"`
	Subject                  string   `xml:"subject" json:"subject"`
	MessageID                string   `xml:"message_id" json:"message_id"`
	AuthenticationResults    string   `xml:"authentication_results" json:"authentication_results"`
	DKIMDomain               string   `xml:"dkim_domain" json:"dkim_domain"`
	SourceIPAddress          string   `xml:"source_ip_address" json:"source_ip_address"`
	SourceCountry            string   `xml:"source_country" json:"source_country"`
	SourceReverseDNS         string   `xml:"source_reverse_dns" json:"source_reverse_dns"`
	SourceBaseDomain         string   `xml:"source_base_domain" json:"source_base_domain"`
	DeliveryResult           string   `xml:"delivery_result" json:"delivery_result"`
	AuthFailure              string   `xml:"auth_failure" json:"auth_failure"`
	ReportedDomain           string   `xml:"reported_domain" json:"reported_domain"`
	AuthenticationMechanisms string   `xml:"authentication_mechanisms" json:"authentication_mechanisms"`
	SampleHeadersOnly        bool     `xml:"sample_headers_only" json:"sample_headers_only"`
}

// ForensicFields is the CSV header for ForensicRow.
var ForensicFields = []string{
	"feedback_type", "user_agent", "version", "original_envelope_id",
	"original_mail_from", "original_rcpt_to", "arrival_date", "arrival_date_utc",
	"subject", "message_id", "authentication_results", "dkim_domain",
	"source_ip_address", "source_country", "source_reverse_dns",
	"source_base_domain", "delivery_result", "auth_failure", "reported_domain",
	"authentication_mechanisms", "sample_headers_only",
}

// Row flattens the report.
func (r *ForensicReport) Row() ForensicRow {
	return ForensicRow{
		FeedbackType:             r.FeedbackType,
		UserAgent:                deref(r.UserAgent),
		Version:                  deref(r.Version),
		OriginalEnvelopeID:       deref(r.OriginalEnvelopeID),
		OriginalMailFrom:         deref(r.OriginalMailFrom),
		OriginalRcptTo:           deref(r.OriginalRcptTo),
		ArrivalDate:              r.ArrivalDate.Format("2006-01-02T15:04:05-07:00"),
		ArrivalDateUTC:           r.ArrivalDateUTC.String(),
		Subject:                  deref(r.ParsedSample.Subject),
		MessageID:                deref(r.MessageID),
		AuthenticationResults:    deref(r.AuthenticationResults),
		DKIMDomain:               deref(r.DKIMDomain),
		SourceIPAddress:          r.Source.IPAddress,
		SourceCountry:            deref(r.Source.Country),
		SourceReverseDNS:         deref(r.Source.ReverseDNS),
		SourceBaseDomain:         deref(r.Source.BaseDomain),
		DeliveryResult:           r.DeliveryResult,
		AuthFailure:              strings.Join(r.AuthFailure, ","),
		ReportedDomain:           r.ReportedDomain,
		AuthenticationMechanisms: strings.Join(r.AuthenticationMechanisms, ","),
		SampleHeadersOnly:        r.SampleHeadersOnly,
	}
}

// Values returns the row in ForensicFields order.
func (r ForensicRow) Values() []string {
	return []string{
		r.FeedbackType, r.UserAgent, r.Version, r.OriginalEnvelopeID,
		r.OriginalMailFrom, r.OriginalRcptTo, r.ArrivalDate, r.ArrivalDateUTC,
		r.Subject, r.MessageID, r.AuthenticationResults, r.DKIMDomain,
		r.SourceIPAddress, r.SourceCountry, r.SourceReverseDNS, r.SourceBaseDomain,
		r.DeliveryResult, r.AuthFailure, r.ReportedDomain,
		r.AuthenticationMechanisms, strconv.FormatBool(r.SampleHeadersOnly),
	}
}

// WriteAggregateCSV writes a header followed by the rows of every report.
func WriteAggregateCSV(w io.Writer, reports ...*AggregateReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(AggregateFields); err != nil {
		return fmt.Errorf("could not write csv header: %w", err)
	}
	for _, r := range reports {
		for _, row := range r.Rows() {
			if err := cw.Write(row.Values()); err != nil {
				return fmt.Errorf("could not write csv row: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteForensicCSV writes a header followed by one row per report.
func WriteForensicCSV(w io.Writer, reports ...*ForensicReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ForensicFields); err != nil {
		return fmt.Errorf("could not write csv header: %w", err)
	}
	for _, r := range reports {
		if err := cw.Write(r.Row().Values()); err != nil {
			return fmt.Errorf("could not write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
