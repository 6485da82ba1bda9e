package tilepack

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes pipeline failures. Every kind is recoverable by retrying the whole operation.
type ErrorKind int

const (
	TransferFailed ErrorKind = iota + 1
	RedirectExtractionFailed
	StillHtmlAfterRetry
	InvalidFormat
	InstallVerificationFailed
	DeleteFailed
	Busy
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case TransferFailed:
		return "transfer_failed"
	case RedirectExtractionFailed:
		return "redirect_extraction_failed"
	case StillHtmlAfterRetry:
		return "still_html_after_retry"
	case InvalidFormat:
		return "invalid_format"
	case InstallVerificationFailed:
		return "install_verification_failed"
	case DeleteFailed:
		return "delete_failed"
	case Busy:
		return "busy"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Message is the human-readable text shown to the user for a kind.
func (k ErrorKind) Message() string {
	switch k {
	case TransferFailed:
		return "The offline map download failed. Check your connection and try again."
	case RedirectExtractionFailed:
		return "The download host returned a web page instead of the map package, and no direct link could be found."
	case StillHtmlAfterRetry:
		return "The download host kept returning a web page instead of the map package."
	case InvalidFormat:
		return "The downloaded file is not a valid offline map package."
	case InstallVerificationFailed:
		return "The offline map package could not be installed."
	case DeleteFailed:
		return "The offline map package could not be deleted."
	case Busy:
		return "An offline map download is already in progress."
	case Cancelled:
		return "The offline map download was cancelled."
	default:
		return "Unknown offline map error."
	}
}

// PipelineError is returned by every failing pipeline and checker operation.
type PipelineError struct {
	Kind ErrorKind
	Op   string // step that failed, e.g. "transfer", "validate"
	Err  error  // underlying error, if any
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s during %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s during %s", e.Kind, e.Op)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is matches any *PipelineError with the same Kind, so callers can write
// errors.Is(err, &PipelineError{Kind: InvalidFormat}).
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Message returns the user-facing text for the error's kind.
func (e *PipelineError) Message() string {
	return e.Kind.Message()
}

func newError(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the ErrorKind carried by err, or 0 when err is not a *PipelineError.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
