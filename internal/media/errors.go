package media

import (
	"errors"
	"fmt"
)

var (
	// ErrParseFailure marks a publish time from which no timestamp could be
	// obtained; callers resolve it with a fallback value.
	ErrParseFailure = errors.New("parse failure")
	// ErrDuplicateCandidate marks a candidate that is already known, queued,
	// or in flight.
	ErrDuplicateCandidate = errors.New("duplicate candidate")
)

// TransientFetchError wraps a network or timeout failure from a collaborator.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientFetchError unless it is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientFetchError{Op: op, Err: err}
}

// IsTransient reports whether err carries a TransientFetchError.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}
