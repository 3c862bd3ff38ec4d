package errors

import "fmt"

// ErrorType classifies pipeline failures. The class decides both how an
// error record is reported and whether a retry pass should re-attempt it.
type ErrorType string

const (
	// ErrorTypeNetwork covers connection resets, DNS failures and other
	// transport errors before a status code is received.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout covers fetches or tool invocations that exceeded
	// their deadline.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeHTTPStatus covers non-2xx responses. Code carries the
	// status; 4xx responses on pre-signed links mean the link expired.
	ErrorTypeHTTPStatus ErrorType = "http_status"
	// ErrorTypeDecode covers empty or truncated response bodies.
	ErrorTypeDecode ErrorType = "decode"
	// ErrorTypeExtraction covers archives that fail to extract.
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeToolMissing is a capability failure: a required external
	// binary is not installed. Reported once per stage, never per item.
	ErrorTypeToolMissing ErrorType = "tool_missing"
	// ErrorTypeToolFailed covers an external tool exiting non-zero.
	ErrorTypeToolFailed ErrorType = "tool_failed"
	// ErrorTypeFatal covers environmental failures that abort the run:
	// missing input list, unwritable destination, corrupted ledger.
	ErrorTypeFatal ErrorType = "fatal"
	// ErrorTypeUnknown is the class of errors that carry no classification.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Error is a classified pipeline error.
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// New creates a classified error.
func New(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// NewStatus creates an http_status error carrying the status code.
func NewStatus(code int, format string, args ...interface{}) *Error {
	return &Error{Type: ErrorTypeHTTPStatus, Message: fmt.Sprintf(format, args...), Code: code}
}

// IsRetryable reports whether an error of the given type is worth
// re-attempting on a later run.
func IsRetryable(t ErrorType) bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeDecode, ErrorTypeExtraction, ErrorTypeToolFailed:
		return true
	case ErrorTypeHTTPStatus, ErrorTypeToolMissing, ErrorTypeFatal:
		return false
	default:
		return false
	}
}

// IsRetryableStatusCode reports whether an HTTP status code indicates a
// transient failure. 4xx responses won't change on retry.
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // network error, no response
		return true
	case 429:
		return true
	case 500, 502, 503, 504:
		return true
	case 401, 403, 404, 410:
		return false
	default:
		return statusCode >= 500
	}
}

// RetryableError reports whether err, if classified, should be retried.
// An *Error with type http_status consults the status code so that 429
// and 5xx remain retryable while 4xx link expiry does not.
func RetryableError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return true // unclassified errors default to retryable
	}
	if e.Type == ErrorTypeHTTPStatus {
		return IsRetryableStatusCode(e.Code)
	}
	return IsRetryable(e.Type)
}
