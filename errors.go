package littlepger

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for common failure modes.
var (
	// ErrUnsupportedOption is returned when an operation receives an option
	// value outside its documented contract.
	ErrUnsupportedOption = errors.New("littlepger: unsupported option")

	// ErrInvalidFilter is returned when a filter key or value has a
	// malformed shape.
	ErrInvalidFilter = errors.New("littlepger: invalid filter")

	// ErrTooManyRows is returned when a single-row query matches more than
	// one row.
	ErrTooManyRows = errors.New("littlepger: too many rows")

	// ErrCommitState is returned when a commit is requested on a session
	// that was not configured to commit.
	ErrCommitState = errors.New("littlepger: session not configured to commit")
)

// UnsupportedOptionError reports an option value that an operation does not
// accept. Unknown or out-of-contract options always fail fast, they are
// never silently ignored.
type UnsupportedOptionError struct {
	Verb   string // Operation that rejected the option (e.g., "select")
	Option string // Option name (e.g., "rows")
	Value  any    // Offending value
}

// Error returns the error string.
func (e *UnsupportedOptionError) Error() string {
	return fmt.Sprintf("littlepger: %s: unsupported %s option: %v", e.Verb, e.Option, e.Value)
}

// Is reports whether the target error matches UnsupportedOptionError.
func (e *UnsupportedOptionError) Is(err error) bool {
	return err == ErrUnsupportedOption
}

// NewUnsupportedOptionError returns a new UnsupportedOptionError.
func NewUnsupportedOptionError(verb, option string, value any) *UnsupportedOptionError {
	return &UnsupportedOptionError{Verb: verb, Option: option, Value: value}
}

// IsUnsupportedOption returns true if the error is an UnsupportedOptionError.
func IsUnsupportedOption(err error) bool {
	if err == nil {
		return false
	}
	var e *UnsupportedOptionError
	return errors.As(err, &e) || errors.Is(err, ErrUnsupportedOption)
}

// InvalidFilterError reports a filter entry whose key or value shape cannot
// be compiled, such as the reserved exists key with a non-string value.
type InvalidFilterError struct {
	Key    string // Column or reserved key, when known
	Reason string
}

// Error returns the error string.
func (e *InvalidFilterError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("littlepger: invalid filter %q: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("littlepger: invalid filter: %s", e.Reason)
}

// Is reports whether the target error matches InvalidFilterError.
func (e *InvalidFilterError) Is(err error) bool {
	return err == ErrInvalidFilter
}

// NewInvalidFilterError returns a new InvalidFilterError.
func NewInvalidFilterError(key, reason string) *InvalidFilterError {
	return &InvalidFilterError{Key: key, Reason: reason}
}

// IsInvalidFilter returns true if the error is an InvalidFilterError.
func IsInvalidFilter(err error) bool {
	if err == nil {
		return false
	}
	var e *InvalidFilterError
	return errors.As(err, &e) || errors.Is(err, ErrInvalidFilter)
}

// TooManyRowsError reports a query that was asked for at most one row but
// matched several.
type TooManyRowsError struct {
	Table string
	Count int // Number of rows matched
}

// Error returns the error string.
func (e *TooManyRowsError) Error() string {
	return fmt.Sprintf("littlepger: query on %s returned %d rows, expected at most one", e.Table, e.Count)
}

// Is reports whether the target error matches TooManyRowsError.
func (e *TooManyRowsError) Is(err error) bool {
	return err == ErrTooManyRows
}

// IsTooManyRows returns true if the error is a TooManyRowsError.
func IsTooManyRows(err error) bool {
	if err == nil {
		return false
	}
	var e *TooManyRowsError
	return errors.As(err, &e) || errors.Is(err, ErrTooManyRows)
}

// DebugError carries the fully-substituted statement of an operation that
// was executed with the dry-run debug option. The statement never reached
// the database.
type DebugError struct {
	Statement string
}

// Error returns the error string.
func (e *DebugError) Error() string {
	return fmt.Sprintf("littlepger: debug: %s", e.Statement)
}

// IsDebug returns true if the error is a DebugError.
func IsDebug(err error) bool {
	if err == nil {
		return false
	}
	var e *DebugError
	return errors.As(err, &e)
}
