package dmarc

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned when a payload is not a zip, gzip or
	// xml document.
	ErrUnsupportedFormat = errors.New("not a valid zip, gzip or xml file")
	// ErrInvalidReport is returned for messages that are neither an aggregate
	// nor a forensic report.
	ErrInvalidReport = errors.New("not a valid dmarc report")
	// ErrInvalidAggregateReport is returned when mandatory aggregate fields are
	// missing or the document can not be parsed at all.
	ErrInvalidAggregateReport = fmt.Errorf("%w: invalid aggregate report", ErrInvalidReport)
	// ErrInvalidForensicReport is returned when mandatory forensic fields are
	// missing or malformed.
	ErrInvalidForensicReport = fmt.Errorf("%w: invalid forensic report", ErrInvalidReport)
)

// InvalidArchiveError is returned when a container was detected but could not
// be read.
type InvalidArchiveError struct {
	Err error
}

func (e *InvalidArchiveError) Error() string {
	return fmt.Sprintf("invalid archive file: %v", e.Err)
}

func (e *InvalidArchiveError) Unwrap() error {
	return e.Err
}

// EmailParserError is returned when a mail message can not be turned into
// RFC 822 or its MIME structure can not be read.
type EmailParserError struct {
	Err error
}

func (e *EmailParserError) Error() string {
	return fmt.Sprintf("could not parse email: %v", e.Err)
}

func (e *EmailParserError) Unwrap() error {
	return e.Err
}
