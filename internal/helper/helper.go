package helper

import (
	"bytes"
	"encoding/base64"
	"strings"
	"unicode"
)

// Format is the container format of a raw report payload.
type Format int

const (
	FormatUnknown Format = iota
	FormatZIP
	FormatGZIP
	FormatXML
)

func (f Format) String() string {
	switch f {
	case FormatZIP:
		return "zip"
	case FormatGZIP:
		return "gzip"
	case FormatXML:
		return "xml"
	default:
		return "unknown"
	}
}

// SniffLen is the number of leading bytes needed to detect a Format.
const SniffLen = 6

// https://en.wikipedia.org/wiki/List_of_file_signatures
var magicTable = []struct {
	magic  []byte
	format Format
}{
	{[]byte{0x1f, 0x8b}, FormatGZIP},
	{[]byte{0x50, 0x4b, 0x03, 0x04}, FormatZIP},
	{[]byte("<?xml "), FormatXML},
}

// DetectFormat inspects the first bytes of content.
func DetectFormat(content []byte) Format {
	if len(content) > SniffLen {
		content = content[:SniffLen]
	}
	for _, m := range magicTable {
		if bytes.HasPrefix(content, m.magic) {
			return m.format
		}
	}
	return FormatUnknown
}

// IsSupportedArchive reports whether content starts with a zip or gzip
// signature.
func IsSupportedArchive(content []byte) bool {
	f := DetectFormat(content)
	return f == FormatZIP || f == FormatGZIP
}

// IsReportPayload reports whether content looks like an aggregate report,
// compressed or not.
func IsReportPayload(content []byte) bool {
	return DetectFormat(content) != FormatUnknown
}

// OLE2 compound file signature used by Outlook .msg files.
var outlookMagic = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}

// IsOutlookMessage reports whether content is a legacy Outlook message.
func IsOutlookMessage(content []byte) bool {
	return bytes.HasPrefix(content, outlookMagic)
}

const unsafeFilenameChars = `\/:"*?|`

const maxFilenameLen = 100

// FilenameSafeString strips characters that are not allowed in file names,
// control characters and trailing dots, and truncates to 100 characters.
// nil becomes "None".
func FilenameSafeString(s *string) string {
	if s == nil {
		return "None"
	}
	out := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(unsafeFilenameChars, r) {
			return -1
		}
		return r
	}, *s)
	out = strings.TrimRight(out, ".")
	if r := []rune(out); len(r) > maxFilenameLen {
		out = string(r[:maxFilenameLen])
	}
	return out
}

// DecodeBase64 decodes standard base64 with or without padding.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	return base64.RawStdEncoding.DecodeString(s)
}
