package dmarc

import "encoding/xml"

// xmlFeedback represents the top element of a DMARC aggregate report
// https://tools.ietf.org/html/rfc7489#appendix-C
// Values are kept as strings so missing and malformed fields can be told
// apart during normalisation.
type xmlFeedback struct {
	XMLName         xml.Name            `xml:"feedback"`
	Version         *string             `xml:"version"`
	ReportMetadata  *xmlReportMetadata  `xml:"report_metadata"`
	PolicyPublished *xmlPolicyPublished `xml:"policy_published"`
	Records         []xmlRecord         `xml:"record"`
}

type xmlReportMetadata struct {
	OrgName          string        `xml:"org_name"`
	Email            string        `xml:"email"`
	ExtraContactInfo *string       `xml:"extra_contact_info"`
	ReportID         string        `xml:"report_id"`
	DateRange        *xmlDateRange `xml:"date_range"`
	Errors           []string      `xml:"error"`
}

type xmlDateRange struct {
	Begin string `xml:"begin"`
	End   string `xml:"end"`
}

type xmlPolicyPublished struct {
	Domain string `xml:"domain"`
	Adkim  string `xml:"adkim"`
	Aspf   string `xml:"aspf"`
	P      string `xml:"p"`
	Sp     string `xml:"sp"`
	Pct    string `xml:"pct"`
	Fo     string `xml:"fo"`
}

// xmlRecord represents the record element of a DMARC report
type xmlRecord struct {
	Row struct {
		SourceIP        *string `xml:"source_ip"`
		Count           *string `xml:"count"`
		PolicyEvaluated struct {
			Disposition *string                   `xml:"disposition"`
			Dkim        *string                   `xml:"dkim"`
			Spf         *string                   `xml:"spf"`
			Reasons     []xmlPolicyOverrideReason `xml:"reason"`
		} `xml:"policy_evaluated"`
	} `xml:"row"`
	Identifiers *xmlIdentifiers `xml:"identifiers"`
	// some reporters still send the pre RFC element name
	Identities  *xmlIdentifiers `xml:"identities"`
	AuthResults struct {
		Dkim []xmlDKIMResult `xml:"dkim"`
		Spf  []xmlSPFResult  `xml:"spf"`
	} `xml:"auth_results"`
}

type xmlIdentifiers struct {
	EnvelopeTo   *string `xml:"envelope_to"`
	HeaderFrom   string  `xml:"header_from"`
	EnvelopeFrom *string `xml:"envelope_from"`
}

type xmlDKIMResult struct {
	Domain      string `xml:"domain"`
	Selector    string `xml:"selector"`
	Result      string `xml:"result"`
	HumanResult string `xml:"human_result"`
}

type xmlSPFResult struct {
	Domain string `xml:"domain"`
	Scope  string `xml:"scope"`
	Result string `xml:"result"`
}

// xmlPolicyOverrideReason represents the reason element of a DMARC report
type xmlPolicyOverrideReason struct {
	Type    string  `xml:"type"`
	Comment *string `xml:"comment"`
}
