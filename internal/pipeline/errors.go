package pipeline

import (
	"context"
	"errors"

	"github.com/firefart/dmarcpipeline/internal/convert"
	"github.com/firefart/dmarcpipeline/internal/dmarc"
	"github.com/firefart/dmarcpipeline/internal/sink"
	"github.com/firefart/dmarcpipeline/internal/source"
)

// ErrorKind names the class of err for logs and metric labels. The most
// specific class wins.
func ErrorKind(err error) string {
	var (
		archiveErr  *dmarc.InvalidArchiveError
		emailErr    *dmarc.EmailParserError
		setupErr    *sink.SetupError
		deliveryErr *sink.DeliveryError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoSinks):
		return "no_sinks"
	case errors.Is(err, convert.ErrConversion):
		return "conversion"
	case errors.As(err, &emailErr):
		return "email_parser"
	case errors.As(err, &archiveErr):
		return "invalid_archive"
	case errors.Is(err, dmarc.ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, dmarc.ErrInvalidAggregateReport):
		return "invalid_aggregate_report"
	case errors.Is(err, dmarc.ErrInvalidForensicReport):
		return "invalid_forensic_report"
	case errors.Is(err, dmarc.ErrInvalidReport):
		return "invalid_report"
	case errors.Is(err, source.ErrAuthentication):
		return "authentication"
	case errors.Is(err, source.ErrFolderNotFound):
		return "folder_not_found"
	case errors.As(err, &setupErr):
		return "setup"
	case errors.Is(err, sink.ErrInvalidState):
		return "invalid_state"
	case errors.As(err, &deliveryErr):
		return "delivery"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}
