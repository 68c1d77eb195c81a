package apperr

import "errors"

// Kind classifies an error for propagation and transport mapping
type Kind string

const (
	KindValidation Kind = "validation"
	KindResource   Kind = "resource"
	KindNotFound   Kind = "not_found"
	KindUpstream   Kind = "upstream"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Error is a classified domain error. Sentinels are declared as *Error values
// and wrapped with fmt.Errorf("%w: ...") when context is added.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// New creates a classified error
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf returns the kind of the first classified error in the chain
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of the first classified error in the chain
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
