// Package errors implements the error taxonomy shared by every layer of the
// session engine and the relay: a small set of Kinds (never Go types) that
// the reconnect supervisor and the user-facing catalogue classify on,
// wrapped with github.com/pkg/errors so the original call stack survives as
// the error is handed up from frame codec to transport to session.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the taxonomy entries from spec §7. It is never extended
// with types; callers branch on Kind, not on concrete error values.
type Kind int

const (
	// KindUnknown is never produced by this package; it is the zero value
	// returned by Classify for an error that never passed through New/Wrap.
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindAuth
	KindDuplicateID
	KindPartnerLeft
	KindServerLost
	KindFileIO
	KindFileTooLarge
	KindFolderTooLarge
	KindCancelled
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindDuplicateID:
		return "duplicate_id"
	case KindPartnerLeft:
		return "partner_left"
	case KindServerLost:
		return "server_lost"
	case KindFileIO:
		return "file_io"
	case KindFileTooLarge:
		return "file_too_large"
	case KindFolderTooLarge:
		return "folder_too_large"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the concrete error value produced by every component in the core.
// It carries a Kind for classification and a wrapped cause for diagnostics.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap lets errors.Is / errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the taxonomy entry for e.
func (e *Error) Kind() Kind { return e.kind }

// New builds a Kind-tagged error whose cause is a fresh github.com/pkg/errors
// error carrying msg and the stack of New's caller.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg, cause: errors.New(msg)}
}

// Wrap tags an existing error with a Kind, preserving its stack via
// github.com/pkg/errors so the originating call site is still visible in
// %+v formatting further up the stack.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{kind: kind, msg: msg, cause: errors.Wrap(cause, msg)}
}

// Classify returns the Kind of err if it (or something it wraps) is an
// *Error, and KindUnknown otherwise.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}

// Catalogue is the small, stable set of user-visible messages from §7.
var Catalogue = map[Kind]string{
	KindTransport:      "network error",
	KindProtocol:       "protocol error",
	KindAuth:           "wrong password",
	KindDuplicateID:    "duplicate id",
	KindPartnerLeft:    "partner disconnected",
	KindServerLost:     "relay lost",
	KindFileIO:         "cannot open file",
	KindFileTooLarge:   "file too large",
	KindFolderTooLarge: "folder too large",
	KindCancelled:      "transfer cancelled",
	KindTimeout:        "timed out",
}

// Message returns the catalogue entry for err's Kind, falling back to
// err.Error() for an unclassified error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := Catalogue[Classify(err)]; ok {
		return msg
	}
	return err.Error()
}
