package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Codes attached to transient failures produced by the pool itself.
const (
	CodeTimeout     = "TIMEOUT"
	CodeBreakerOpen = "BREAKER_OPEN"
	CodeUnavailable = "UNAVAILABLE"
)

// ErrUnknownIdentity is returned when no client is registered for an identity.
var ErrUnknownIdentity = errors.New("ledger: unknown identity")

// TransientError is a failure that may succeed on retry: timeouts,
// connectivity loss, endorsement temporarily unavailable.
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "ledger transient error: " + e.Code
	}
	return fmt.Sprintf("ledger transient error %s: %v", e.Code, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a rejection by the ledger. Code is recorded verbatim on
// the failed command.
type PermanentError struct {
	Code    string
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ledger rejected %s: %s", e.Code, e.Message)
}

// Transient wraps err as a TransientError.
func Transient(code string, err error) error {
	return &TransientError{Code: code, Err: err}
}

// Permanent builds a PermanentError.
func Permanent(code, message string) error {
	return &PermanentError{Code: code, Message: message}
}

// IsTransient reports whether err should be retried. Anything that is not an
// explicit PermanentError counts as transient, including unclassified errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	return !errors.As(err, &perm)
}

// Classify normalises err into *TransientError or *PermanentError.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return perm
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return tr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Code: CodeTimeout, Err: err}
	}
	return &TransientError{Code: CodeUnavailable, Err: err}
}

// Code returns the error code carried by a classified error.
func Code(err error) string {
	switch e := Classify(err).(type) {
	case *PermanentError:
		return e.Code
	case *TransientError:
		return e.Code
	}
	return ""
}
