package transport

import "fmt"

// RequestError wraps a network-level failure. Always retryable.
type RequestError struct {
	Operation string
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %v", e.Operation, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ProtocolError is a failure reported by the marketplace itself. Only
// service-unavailable codes are retryable; everything else is fatal.
type ProtocolError struct {
	Code      string
	Message   string
	Operation string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s during %s: %s", e.Code, e.Operation, e.Message)
}

// Retryable reports whether the error indicates transient overload.
func (e *ProtocolError) Retryable() bool {
	return e.Code == "ServiceUnavailable" || e.Code == "AWS.ServiceUnavailable"
}

// DuplicateNameError reports a qualification-type name collision. Recoverable
// by searching for the existing type and reusing it.
type DuplicateNameError struct {
	ProtocolError
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("qualification type named %q already exists", e.Name)
}
