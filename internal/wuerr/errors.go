// Package wuerr defines the error taxonomy shared by every engine component.
//
// Errors are classified by Kind rather than by concrete type; callers switch
// on KindOf(err) and never on type assertions outside this package.
package wuerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindValidation      Kind = "VALIDATION_ERROR"
	KindStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindTransaction     Kind = "TRANSACTION_ERROR"
	KindGit             Kind = "GIT_ERROR"
	KindRecoveryLoop    Kind = "RECOVERY_LOOP"
	KindScopeViolation  Kind = "SCOPE_VIOLATION"
	KindNotFound        Kind = "NOT_FOUND"
	KindCancelled       Kind = "CANCELLED_BY_USER"
)

// Error is the structured error carried across component boundaries. TryNext
// holds actionable shell commands surfaced by the CLI wrapper on failure.
type Error struct {
	Kind    Kind
	WUID    string
	Msg     string
	Paths   []string
	Attempt int
	TryNext []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.WUID != "" {
		b.WriteString(" [" + e.WUID + "]")
	}
	if e.Msg != "" {
		b.WriteString(": " + e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, wuID, format string, args ...any) *Error {
	return &Error{Kind: kind, WUID: wuID, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, wuID string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, WUID: wuID, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithTryNext attaches actionable follow-up commands and returns the error.
func (e *Error) WithTryNext(cmds ...string) *Error {
	e.TryNext = append(e.TryNext, cmds...)
	return e
}

// KindOf returns the Kind of the nearest *Error in err's chain, or "" when
// the chain carries no classified error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain carries a classified error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
