/*
Copyright (C) 2026  Lithair Contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package engine

import "fmt"

// ErrorKind classifies the failures the engine surfaces to callers.
type ErrorKind int

const (
	// ErrDuplicate means the idempotence key was already applied; the
	// operation is treated as a successful no-op and never actually
	// returned to a caller, but it is kept here for introspection.
	ErrDuplicate ErrorKind = iota
	ErrWriterClosed
	ErrQueueFull
	ErrIoError
	ErrCorruptSnapshot
	ErrEntryTooLarge
	ErrGap
	ErrCorruptHeader
)

func (k ErrorKind) String() string {
	switch k {
	case ErrDuplicate:
		return "Duplicate"
	case ErrWriterClosed:
		return "WriterClosed"
	case ErrQueueFull:
		return "QueueFull"
	case ErrIoError:
		return "IoError"
	case ErrCorruptSnapshot:
		return "CorruptSnapshot"
	case ErrEntryTooLarge:
		return "EntryTooLarge"
	case ErrGap:
		return "Gap"
	case ErrCorruptHeader:
		return "CorruptHeader"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every engine operation.
type Error struct {
	Kind     ErrorKind
	Message  string
	Expected uint64 // only meaningful for ErrGap
	Got      uint64 // only meaningful for ErrGap
	Cause    error
}

func (e *Error) Error() string {
	if e.Kind == ErrGap {
		return fmt.Sprintf("%s(expected=%d, got=%d): %s", e.Kind, e.Expected, e.Got, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapErr(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// ErrGapOf builds the Gap(expected, got) error a follower returns when
// accept_envelopes receives a non-contiguous batch.
func ErrGapOf(expected, got uint64) *Error {
	return &Error{Kind: ErrGap, Message: "non-contiguous envelope batch", Expected: expected, Got: got}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
