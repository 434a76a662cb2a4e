package visor

import (
	"fmt"
	"strings"
)

// ErrorKind is a hierarchical, string-valued error classification in the
// form "<component>/<condition>". Kinds are compared by value,
// not by Go identity, since some are formed dynamically (e.g. a check's
// own fail_if/render-error kinds are "<checkName>/fail_if").
type ErrorKind string

const (
	KindConfigCycle           ErrorKind = "config/cycle"
	KindConfigUnknownCheck    ErrorKind = "config/unknown-check"
	KindConfigInvalidForEach  ErrorKind = "config/invalid-forEach-target"
	KindProviderTimeout       ErrorKind = "provider/timeout"
	KindProviderTransient     ErrorKind = "provider/transient"
	KindProviderFatal         ErrorKind = "provider/fatal"
	KindProviderAPIKeyMissing ErrorKind = "provider/api-key-missing"
	KindExprTimeout           ErrorKind = "expr/timeout"
	KindExprRuntime           ErrorKind = "expr/runtime"
	KindExprType              ErrorKind = "expr/type"
	KindForEachInvalid        ErrorKind = "forEach/invalid"
	KindLoopBudgetExceeded    ErrorKind = "loop-budget-exceeded"
	KindHumanInputTimeout     ErrorKind = "human-input/timeout"
	KindHumanInputCancelled   ErrorKind = "human-input/cancelled"
	KindCancelled             ErrorKind = "cancelled"
)

// FailIfKind builds the "<checkName>/fail_if" error kind for a check.
func FailIfKind(checkName string) ErrorKind {
	return ErrorKind(checkName + "/fail_if")
}

// RenderErrorKind builds the "<checkName>/render-error" error kind.
func RenderErrorKind(checkName string) ErrorKind {
	return ErrorKind(checkName + "/render-error")
}

// Error is the structured error value carried through the engine. Kinds
// are compared as plain strings so dynamically-built kinds (FailIfKind,
// RenderErrorKind) work the same as the static catalog above.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Kind, so callers
// can use errors.Is(err, visor.NewError(visor.KindProviderTimeout, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// NewError constructs an *Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError constructs an *Error wrapping a cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Matches reports whether the kind matches a retry_on entry. Entries may
// name a full kind ("provider/transient") or just the condition part
// ("transient"); the default retry_on set uses the short form while
// providers report hierarchical kinds.
func (k ErrorKind) Matches(entry string) bool {
	if string(k) == entry {
		return true
	}
	if idx := strings.LastIndexByte(string(k), '/'); idx >= 0 {
		return string(k)[idx+1:] == entry
	}
	return false
}
