// Package vmierr carries the error taxonomy of the decomposition/reassembly
// engine. Kinds split the same way pkg/batch's SafeError/UnsafeError did in
// the mirroring pipeline: operator-recoverable errors return to the CLI,
// data-integrity failures are fatal.
package vmierr

import "fmt"

// Kind identifies which policy applies to an error.
type Kind int

const (
	PathInvalid Kind = iota
	DuplicateName
	MissingSidecar
	NoOS
	MultiOS
	MainServiceAbsent
	ParseFailure
	GuestWarning
	ImportErrors
	CatalogInconsistency
	GraphCompatFail
	MissingArchive
)

func (k Kind) String() string {
	switch k {
	case PathInvalid:
		return "PathInvalid"
	case DuplicateName:
		return "DuplicateName"
	case MissingSidecar:
		return "MissingSidecar"
	case NoOS:
		return "NoOS"
	case MultiOS:
		return "MultiOS"
	case MainServiceAbsent:
		return "MainServiceAbsent"
	case ParseFailure:
		return "ParseFailure"
	case GuestWarning:
		return "GuestWarning"
	case ImportErrors:
		return "ImportErrors"
	case CatalogInconsistency:
		return "CatalogInconsistency"
	case GraphCompatFail:
		return "GraphCompatFail"
	case MissingArchive:
		return "MissingArchive"
	default:
		return "Unknown"
	}
}

// Fatal reports whether errors of this kind must terminate the process
// rather than return to the caller for correction.
func (k Kind) Fatal() bool {
	switch k {
	case NoOS, MultiOS, ParseFailure, CatalogInconsistency, MissingArchive:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carried through the engine. Suggestions
// is populated only for MainServiceAbsent fuzzy matches.
type Error struct {
	Kind        Kind
	Message     string
	Suggestions []string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, format string, a ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, a ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...), Err: err}
}

// WithSuggestions attaches fuzzy-match candidates to a MainServiceAbsent error.
func WithSuggestions(kind Kind, suggestions []string, format string, a ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...), Suggestions: suggestions}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if v, ok := err.(*Error); ok {
			e = v
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
