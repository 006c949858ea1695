// Package errutil provides small error helpers shared across the dispatcher packages.
package errutil

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a string type that implements the error interface, used for
// sentinel errors that callers can compare with errors.Is.
type Error string

func (e Error) Error() string { return string(e) }

// Errorf formats a new sentinel-style error.
func Errorf(format string, args ...any) error {
	return Error(fmt.Sprintf(format, args...)) //errtrace:skip
}

// Wrap creates or wraps an error with a sentinel error.
//   - no args: returns sentinel
//   - error arg: wraps with sentinel (unless already wrapped)
//   - string arg: formats as message with sentinel
func Wrap(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel //errtrace:skip
	}
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v //errtrace:skip
		}
		return fmt.Errorf("%w: %w", sentinel, v) //errtrace:skip
	case string:
		if len(args) == 1 {
			return fmt.Errorf("%w: %s", sentinel, v) //errtrace:skip
		}
		return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(v, args[1:]...)) //errtrace:skip
	default:
		return sentinel //errtrace:skip
	}
}

// Join combines errs into a single error, formatting nested causes with
// a readable indented list rather than errors.Join's newline dump.
func Join(prefix string, errs ...error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == 1 && prefix == "" {
		return kept[0]
	}
	return &multiError{prefix: prefix, errs: kept}
}

type multiError struct {
	prefix string
	errs   []error
}

func (e *multiError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.prefix)
	for _, err := range e.errs {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

func (e *multiError) Unwrap() []error { return e.errs }

// IsTemporary reports whether err implements a Temporary() bool method that returns true.
func IsTemporary(err error) bool {
	var e interface{ Temporary() bool }
	return errors.As(err, &e) && e.Temporary()
}

// IsTimeout reports whether err implements a Timeout() bool method that returns true.
func IsTimeout(err error) bool {
	var e interface{ Timeout() bool }
	return errors.As(err, &e) && e.Timeout()
}
