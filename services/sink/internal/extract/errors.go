package extract

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrMissingUpsertKey = errors.New("missing upsert key")
	errNotFound         = errors.New("path not found")
)

// FieldError records a column that was nulled. It never fails the row.
type FieldError struct {
	Column string
	Path   string
	Err    error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("column %s (%s): %v", e.Column, e.Path, e.Err)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

// Reason is a short label for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, ErrMissingUpsertKey):
		return "missing_upsert_key"
	default:
		return "other"
	}
}
