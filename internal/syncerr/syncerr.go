package syncerr

import "errors"

// Category buckets a sync failure for retry decisions.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryPermission     Category = "permission"
	CategoryOrphanedRecord Category = "orphaned-record"
	CategoryValidation     Category = "validation"
	CategoryUnknown        Category = "unknown"
)

// Retryable reports whether failures in this category are worth retrying.
// Permission, orphaned-record and validation failures are permanent:
// repeating the same call cannot change the outcome.
func (c Category) Retryable() bool {
	switch c {
	case CategoryPermission, CategoryOrphanedRecord, CategoryValidation:
		return false
	default:
		return true
	}
}

// Error is a failure tagged with its category at the point of origin.
// The classifier honors the tag regardless of message content.
type Error struct {
	Category Category
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Category)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a tagged error with the given category and message.
func New(category Category, msg string) error {
	return &Error{Category: category, Msg: msg}
}

// Wrap tags an existing error with a category, preserving the cause chain.
func Wrap(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Cause: err}
}

// CategoryOf extracts the tagged category from err, if any.
func CategoryOf(err error) (Category, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Category, true
	}
	return "", false
}
