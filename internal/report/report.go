// Package report holds the canonical in-memory model of parsed DMARC reports.
//
// Reports are value objects: once a parser returns one it is handed to every
// sink by pointer and must not be modified.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// Kind is the type of DMARC report.
type Kind string

const (
	KindAggregate Kind = "aggregate"
	KindForensic  Kind = "forensic"
)

// Report is implemented by AggregateReport and ForensicReport.
type Report interface {
	Kind() Kind
	// ID is the report identifier used in storage keys.
	ID() string
	// Date is the date a report is filed under.
	Date() time.Time
	// Attributes is a small set of string attributes attached to stored objects.
	Attributes() map[string]string
}

// TimestampLayout is the human readable layout used for report dates.
const TimestampLayout = "2006-01-02 15:04:05"

// Timestamp is an instant serialised in TimestampLayout (UTC).
type Timestamp time.Time

func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(TimestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

func (t Timestamp) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.EncodeElement(t.String(), start)
}

// AggregateReport is a normalised DMARC aggregate (rua) report.
type AggregateReport struct {
	XMLSchema       string          `json:"xml_schema"`
	Metadata        Metadata        `json:"report_metadata"`
	PolicyPublished PolicyPublished `json:"policy_published"`
	Records         []Record        `json:"records"`
}

// Metadata is the report_metadata section of an aggregate report.
type Metadata struct {
	OrgName             string    `json:"org_name"`
	OrgEmail            string    `json:"org_email"`
	OrgExtraContactInfo *string   `json:"org_extra_contact_info"`
	ReportID            string    `json:"report_id"`
	BeginDate           Timestamp `json:"begin_date"`
	EndDate             Timestamp `json:"end_date"`
	Errors              []string  `json:"errors"`
}

// PolicyPublished is the DMARC policy the reporter saw for the domain.
type PolicyPublished struct {
	Domain string `json:"domain"`
	ADKIM  string `json:"adkim"`
	ASPF   string `json:"aspf"`
	P      string `json:"p"`
	SP     string `json:"sp"`
	PCT    int    `json:"pct"`
	FO     string `json:"fo"`
}

// Source is a sending IP address and its enrichment. Enrichment fields are
// nil when the lookup failed or was skipped.
type Source struct {
	IPAddress  string  `json:"ip_address"`
	Country    *string `json:"country"`
	ReverseDNS *string `json:"reverse_dns"`
	BaseDomain *string `json:"base_domain"`
}

// Record is one row of an aggregate report.
type Record struct {
	Source          Source          `json:"source"`
	Count           int             `json:"count"`
	Alignment       Alignment       `json:"alignment"`
	PolicyEvaluated PolicyEvaluated `json:"policy_evaluated"`
	Identifiers     Identifiers     `json:"identifiers"`
	AuthResults     AuthResults     `json:"auth_results"`
}

type Alignment struct {
	SPF   bool `json:"spf"`
	DKIM  bool `json:"dkim"`
	DMARC bool `json:"dmarc"`
}

type PolicyEvaluated struct {
	Disposition           string                 `json:"disposition"`
	DKIM                  string                 `json:"dkim"`
	SPF                   string                 `json:"spf"`
	PolicyOverrideReasons []PolicyOverrideReason `json:"policy_override_reasons"`
}

type PolicyOverrideReason struct {
	Type    string  `json:"type"`
	Comment *string `json:"comment"`
}

type Identifiers struct {
	HeaderFrom   string  `json:"header_from"`
	EnvelopeFrom *string `json:"envelope_from"`
	EnvelopeTo   *string `json:"envelope_to"`
}

type AuthResults struct {
	DKIM []DKIMResult `json:"dkim"`
	SPF  []SPFResult  `json:"spf"`
}

type DKIMResult struct {
	Domain   string `json:"domain"`
	Selector string `json:"selector"`
	Result   string `json:"result"`
}

type SPFResult struct {
	Domain string `json:"domain"`
	Scope  string `json:"scope"`
	Result string `json:"result"`
}

func (r *AggregateReport) Kind() Kind {
	return KindAggregate
}

func (r *AggregateReport) ID() string {
	return r.Metadata.ReportID
}

func (r *AggregateReport) Date() time.Time {
	return r.Metadata.BeginDate.Time().UTC()
}

func (r *AggregateReport) Attributes() map[string]string {
	return map[string]string{
		"org_name":   r.Metadata.OrgName,
		"org_email":  r.Metadata.OrgEmail,
		"report_id":  r.Metadata.ReportID,
		"begin_date": r.Metadata.BeginDate.String(),
		"end_date":   r.Metadata.EndDate.String(),
	}
}

// Key uniquely identifies an aggregate report for idempotent storage.
func (r *AggregateReport) Key() string {
	return fmt.Sprintf("%s|%s|%d|%d", r.Metadata.OrgName, r.Metadata.ReportID,
		r.Metadata.BeginDate.Time().Unix(), r.Metadata.EndDate.Time().Unix())
}

// ForensicReport is a normalised DMARC forensic (ruf) failure report.
type ForensicReport struct {
	FeedbackType                string                `json:"feedback_type"`
	UserAgent                   *string               `json:"user_agent"`
	Version                     *string               `json:"version"`
	OriginalEnvelopeID          *string               `json:"original_envelope_id"`
	OriginalMailFrom            *string               `json:"original_mail_from"`
	OriginalRcptTo              *string               `json:"original_rcpt_to"`
	ArrivalDate                 time.Time             `json:"arrival_date"`
	ArrivalDateUTC              Timestamp             `json:"arrival_date_utc"`
	Subject                     *string               `json:"subject"`
	MessageID                   *string               `json:"message_id"`
	AuthenticationResults       *string               `json:"authentication_results"`
	AuthenticationResultsParsed []AuthenticationResult `json:"authentication_results_parsed"`
	DKIMDomain                  *string               `json:"dkim_domain"`
	Source                      Source                `json:"source"`
	DeliveryResult              string                `json:"delivery_result"`
	AuthFailure                 []string              `json:"auth_failure"`
	ReportedDomain              string                `json:"reported_domain"`
	AuthenticationMechanisms    []string              `json:"authentication_mechanisms"`
	SampleHeadersOnly           bool                  `json:"sample_headers_only"`
	Sample                      string                `json:"sample"`
	ParsedSample                Email                 `json:"parsed_sample"`
}

// AuthenticationResult is one method=result pair of an
// Authentication-Results header.
type AuthenticationResult struct {
	Method string `json:"method"`
	Result string `json:"result"`
}

// Email is the parsed sample message of a forensic report.
type Email struct {
	Headers             map[string][]string `json:"headers"`
	Subject             *string             `json:"subject"`
	FilenameSafeSubject string              `json:"filename_safe_subject"`
	MessageID           *string             `json:"message_id"`
	Date                *time.Time          `json:"date"`
	From                *EmailAddress       `json:"from"`
	To                  []EmailAddress      `json:"to"`
	CC                  []EmailAddress      `json:"cc"`
	BCC                 []EmailAddress      `json:"bcc"`
	ReplyTo             []EmailAddress      `json:"reply_to"`
	DeliveredTo         []EmailAddress      `json:"delivered_to"`
	Body                *string             `json:"body"`
	Attachments         []Attachment        `json:"attachments"`
	HasDefects          bool                `json:"has_defects"`
	Defects             []string            `json:"defects,omitempty"`
}

// EmailAddress is an address split into its parts. Local and Domain are nil
// when the address has no @.
type EmailAddress struct {
	DisplayName *string `json:"display_name"`
	Address     string  `json:"address"`
	Local       *string `json:"local"`
	Domain      *string `json:"domain"`
}

// Attachment of a forensic sample. Payload is nil when payloads are stripped.
type Attachment struct {
	Filename                string  `json:"filename"`
	ContentType             string  `json:"content_type"`
	ContentTransferEncoding string  `json:"content_transfer_encoding"`
	SHA256                  string  `json:"sha256"`
	Payload                 *string `json:"payload,omitempty"`
}

func (r *ForensicReport) Kind() Kind {
	return KindForensic
}

// ID is the filename safe subject followed by a short hash of the sample.
func (r *ForensicReport) ID() string {
	sum := sha256.Sum256([]byte(r.Sample))
	return r.ParsedSample.FilenameSafeSubject + "-" + hex.EncodeToString(sum[:6])
}

func (r *ForensicReport) Date() time.Time {
	return r.ArrivalDate.UTC()
}

func (r *ForensicReport) Attributes() map[string]string {
	return map[string]string{
		"reported_domain": r.ReportedDomain,
		"report_id":       r.ID(),
		"arrival_date":    r.ArrivalDateUTC.String(),
		"delivery_result": r.DeliveryResult,
	}
}

// Key uniquely identifies a forensic report for idempotent storage.
func (r *ForensicReport) Key() string {
	return r.ReportedDomain + "|" + r.ID() + "|" + strconv.FormatInt(r.ArrivalDate.Unix(), 10)
}

// String returns a pointer to s.
func String(s string) *string {
	return &s
}

// StringOrNil returns nil for the empty string.
func StringOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
