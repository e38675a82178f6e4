package transport

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: timeouts, throttling,
// 5xx-equivalent provider responses.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient: %s", e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: invalid address,
// auth rejection, unresolvable attachment.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transientf builds a TransientError wrapping err.
func Transientf(err error, format string, args ...interface{}) error {
	return &TransientError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Permanentf builds a PermanentError wrapping err.
func Permanentf(err error, format string, args ...interface{}) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Anything not explicitly
// permanent is transient: an unclassified network error could go either way,
// and the retry ceiling bounds the damage of guessing wrong.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
