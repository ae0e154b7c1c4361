// Package toolerr defines the structured errors returned to tool callers.
// Every error that crosses the tool protocol boundary is converted with From,
// so callers only ever see a Kind, a message and an optional detail.
package toolerr

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind is the machine readable class of a tool error.
type Kind string

// Error kinds
const (
	KindUnknownTool        Kind = "UnknownTool"
	KindInvalidArguments   Kind = "InvalidArguments"
	KindObjectNotFound     Kind = "ObjectNotFound"
	KindStorageUnavailable Kind = "StorageUnavailable"
	KindVerificationFailed Kind = "VerificationFailed"
	KindUploadFailed       Kind = "UploadFailed"
	KindDirectoryConflict  Kind = "DirectoryConflict"
	KindSimulationFailed   Kind = "SimulationFailed"
	KindSimulationTimeout  Kind = "SimulationTimeout"
	KindUnauthorized       Kind = "Unauthorized"
	KindInternal           Kind = "Internal"
)

// Retryable returns true if the caller may retry the same invocation.
func (k Kind) Retryable() bool {
	return k == KindStorageUnavailable || k == KindDirectoryConflict || k == KindSimulationTimeout
}

// Error is the structured error returned to the tool caller.
type Error struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
	// Field is the offending argument for InvalidArguments
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	// Detail is optional kind specific payload,
	// for example the captured log of a failed simulation.
	Detail any `json:"detail,omitempty" yaml:"detail,omitempty"`

	cause error
}

// Sentinels for errors.Is, matched by Kind only.
var (
	ErrUnknownTool        = &Error{Kind: KindUnknownTool}
	ErrInvalidArguments   = &Error{Kind: KindInvalidArguments}
	ErrObjectNotFound     = &Error{Kind: KindObjectNotFound}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
	ErrVerificationFailed = &Error{Kind: KindVerificationFailed}
	ErrUploadFailed       = &Error{Kind: KindUploadFailed}
	ErrDirectoryConflict  = &Error{Kind: KindDirectoryConflict}
	ErrSimulationFailed   = &Error{Kind: KindSimulationFailed}
	ErrSimulationTimeout  = &Error{Kind: KindSimulationTimeout}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Field != "" {
		fmt.Fprintf(&b, " [%s]", e.Field)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap returns the internal cause, it is never serialized.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches a sentinel with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Field == "" && t.Kind == e.Kind
}

// WithDetail returns a copy of the error with the detail set.
func (e *Error) WithDetail(detail any) *Error {
	c := *e
	c.Detail = detail
	return &c
}

// WithCause returns a copy of the error with the internal cause set.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.cause = cause
	return &c
}

// New returns a new Error
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap returns a new Error with the cause attached
func Wrap(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// UnknownTool is returned for an invocation of a tool that is not registered.
func UnknownTool(name string) *Error {
	return New(KindUnknownTool, "tool %q is not registered", name)
}

// InvalidArguments is returned when the argument field fails validation.
func InvalidArguments(field, format string, args ...any) *Error {
	e := New(KindInvalidArguments, format, args...)
	e.Field = field
	return e
}

// ObjectNotFound is returned when the key does not exist in storage.
func ObjectNotFound(key string) *Error {
	return New(KindObjectNotFound, "object %q not found", key)
}

// StorageUnavailable is returned when storage could not be reached.
func StorageUnavailable(cause error, format string, args ...any) *Error {
	return Wrap(cause, KindStorageUnavailable, format, args...)
}

// VerificationFailed is returned when a precondition on local files does not hold.
func VerificationFailed(format string, args ...any) *Error {
	return New(KindVerificationFailed, format, args...)
}

// UploadFailed is returned when the archive could not be stored or shared.
func UploadFailed(cause error, format string, args ...any) *Error {
	return Wrap(cause, KindUploadFailed, format, args...)
}

// DirectoryConflict is returned when the working directory is owned by another run.
func DirectoryConflict(name string) *Error {
	return New(KindDirectoryConflict, "folder %q is in use by another invocation", name)
}

// KindOf returns the Kind of the error, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// From converts any error to a caller safe structured error.
// Errors that are not *Error are reported as Internal without the original text,
// the text of wrapped causes may contain server paths.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, KindInternal, "internal error")
}

// Redactor is implemented by error details that carry free text,
// Redact returns a copy with every text field passed through strip.
type Redactor interface {
	Redact(strip func(string) string) any
}

// StripPaths replaces absolute paths under root with their relative form,
// so messages never reveal the server layout.
func StripPaths(msg, root string) string {
	if root == "" {
		return msg
	}
	root = filepath.Clean(root)
	msg = strings.ReplaceAll(msg, root+string(filepath.Separator), "")
	return strings.ReplaceAll(msg, root, ".")
}

// Redact returns a copy of the error with the server paths under root
// removed from the message and the detail.
func (e *Error) Redact(root string) *Error {
	if e == nil || root == "" {
		return e
	}
	strip := func(s string) string { return StripPaths(s, root) }
	c := *e
	c.Message = strip(e.Message)
	switch d := e.Detail.(type) {
	case Redactor:
		c.Detail = d.Redact(strip)
	case string:
		c.Detail = strip(d)
	}
	return &c
}
