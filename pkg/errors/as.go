package errors

import "errors"

// AsError unwraps err looking for a classified *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// TypeOf returns the classification of err, or ErrorTypeUnknown when the
// error carries no classification at all (nil errors return "").
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Type
	}
	return ErrorTypeUnknown
}
