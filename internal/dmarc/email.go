package dmarc

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/firefart/dmarcpipeline/internal/helper"
	"github.com/firefart/dmarcpipeline/internal/report"
)

// readMessage parses raw RFC 822 bytes. Unknown charsets and transfer
// encodings are tolerated and returned as a defect.
func readMessage(raw []byte) (*message.Entity, []string, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
			return e, []string{err.Error()}, nil
		}
		return nil, nil, &EmailParserError{Err: err}
	}
	return e, nil, nil
}

func partMediaType(h message.Header) (string, map[string]string) {
	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		return "text/plain", params
	}
	return strings.ToLower(mediaType), params
}

func newEmailAddress(name, address string) report.EmailAddress {
	addr := report.EmailAddress{
		DisplayName: report.StringOrNil(name),
		Address:     address,
	}
	parts := strings.Split(address, "@")
	if len(parts) > 1 {
		addr.Local = report.String(strings.ToLower(parts[0]))
		addr.Domain = report.String(strings.ToLower(parts[len(parts)-1]))
	}
	return addr
}

// addressList parses an address header. Values that are not valid RFC 5322
// address lists are kept as bare addresses.
func addressList(h mail.Header, key string) []report.EmailAddress {
	out := []report.EmailAddress{}
	if !h.Has(key) {
		return out
	}
	addrs, err := h.AddressList(key)
	if err != nil {
		for _, raw := range strings.Split(h.Get(key), ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				out = append(out, newEmailAddress("", strings.Trim(raw, "<>")))
			}
		}
		return out
	}
	for _, a := range addrs {
		out = append(out, newEmailAddress(a.Name, a.Address))
	}
	return out
}

// parseEmail converts a forensic sample into its structured form. The
// sample may be a complete message or only its headers.
func parseEmail(raw []byte, stripPayloads bool) (report.Email, error) {
	e, defects, err := readMessage(raw)
	if err != nil {
		return report.Email{}, err
	}
	h := mail.Header{Header: e.Header}

	parsed := report.Email{
		Headers:     make(map[string][]string),
		To:          addressList(h, "To"),
		CC:          addressList(h, "Cc"),
		BCC:         addressList(h, "Bcc"),
		ReplyTo:     addressList(h, "Reply-To"),
		DeliveredTo: addressList(h, "Delivered-To"),
		Attachments: []report.Attachment{},
	}

	fields := e.Header.Fields()
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		parsed.Headers[fields.Key()] = append(parsed.Headers[fields.Key()], v)
	}

	if h.Has("Subject") {
		subject, err := h.Subject()
		if err != nil {
			subject = h.Get("Subject")
		}
		parsed.Subject = report.String(subject)
	}
	parsed.FilenameSafeSubject = helper.FilenameSafeString(parsed.Subject)

	if h.Has("Message-Id") {
		id, err := h.MessageID()
		if err != nil || id == "" {
			id = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
		}
		parsed.MessageID = report.String(id)
	}

	if h.Has("Date") {
		if t, err := ParseHumanTimestamp(h.Get("Date"), false); err == nil {
			parsed.Date = &t
		} else {
			defects = append(defects, err.Error())
		}
	}

	if from := addressList(h, "From"); len(from) > 0 {
		parsed.From = &from[0]
	}

	var plain, html strings.Builder
	walkErr := e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			defects = append(defects, err.Error())
		}
		if part == nil {
			return nil
		}
		mediaType, params := partMediaType(part.Header)
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		disposition, dispParams, _ := part.Header.ContentDisposition()
		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			defects = append(defects, fmt.Sprintf("could not read %s part: %v", mediaType, err))
			return nil
		}

		isText := strings.HasPrefix(mediaType, "text/")
		if strings.EqualFold(disposition, "attachment") || filename != "" || !isText {
			cte := strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")))
			sum := sha256.Sum256(data)
			att := report.Attachment{
				Filename:                filename,
				ContentType:             mediaType,
				ContentTransferEncoding: cte,
				SHA256:                  hex.EncodeToString(sum[:]),
			}
			if !stripPayloads {
				if cte == "base64" {
					att.Payload = report.String(base64.StdEncoding.EncodeToString(data))
				} else {
					att.Payload = report.String(string(data))
				}
			}
			parsed.Attachments = append(parsed.Attachments, att)
			return nil
		}

		switch mediaType {
		case "text/html":
			html.Write(data)
		default:
			plain.Write(data)
		}
		return nil
	})
	if walkErr != nil {
		defects = append(defects, walkErr.Error())
	}

	body := plain.String()
	if strings.TrimSpace(body) == "" {
		body = html.String()
	}
	if strings.TrimSpace(body) != "" {
		parsed.Body = report.String(body)
	}

	parsed.Defects = defects
	parsed.HasDefects = len(defects) > 0
	return parsed, nil
}

// isHeadersOnly reports whether a parsed sample carried no content.
func isHeadersOnly(e report.Email) bool {
	return len(e.Attachments) == 0 && e.Body == nil
}

var errNoFeedback = errors.New("no feedback report found")
