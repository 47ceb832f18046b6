package dmarc

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var parenthesisRegex = regexp.MustCompile(`\s*\(.*?\)`)

// ParseHumanTimestamp parses a free form timestamp as found in mail headers
// and feedback reports. Parenthesised timezone names and the "-0000" unknown
// offset marker are removed first. Timestamps without a zone are read as UTC.
// The result keeps its offset unless toUTC is set.
func ParseHumanTimestamp(s string, toUTC bool) (time.Time, error) {
	cleaned := strings.ReplaceAll(s, "-0000", "")
	cleaned = parenthesisRegex.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return time.Time{}, fmt.Errorf("empty timestamp %q", s)
	}

	t, err := dateparse.ParseIn(cleaned, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not parse timestamp %q: %w", s, err)
	}
	if toUTC {
		return t.UTC(), nil
	}
	return t, nil
}
