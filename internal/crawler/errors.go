package crawler

import (
	"errors"
	"fmt"
)

// ErrTokenMissing is reported when the login page has no anti-forgery token.
var ErrTokenMissing = errors.New("anti-forgery token not found")

// TransportError wraps a network-level fetch failure. The task is dropped.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports that an expected page structure or token is absent.
type ProtocolError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol %s: %s", e.URL, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ParseError reports a field that failed to convert. The field is treated as
// absent unless it is needed for traversal.
type ParseError struct {
	URL   string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s field %s: %v", e.URL, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AuthenticationError aborts the run: nothing can be fetched without a session.
type AuthenticationError struct {
	Step string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed at %s: %v", e.Step, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
