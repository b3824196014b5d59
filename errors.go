package binderd

import (
	"errors"
	"fmt"

	"github.com/ash-kernel/go-binderd/internal/engine"
)

// Error represents a structured binderd error with context.
type Error struct {
	Op     string    // Operation that failed (e.g. "TRANSACTION", "INCREFS")
	PID    int32     // Process this error concerns, 0 if not applicable
	Handle uint32    // Reference handle involved, 0 if not applicable
	Code   ErrorCode // High-level error category
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.Handle != 0 {
		parts = append(parts, fmt.Sprintf("handle=%d", e.Handle))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("binderd: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("binderd: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support keyed on error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the high-level error category surfaced to callers, matching
// the five kinds spec.md §7 names.
type ErrorCode string

const (
	// ErrCodeProtocol covers a malformed command stream, a reply without a
	// matching stack frame, or a bad cookie on an acknowledgement.
	ErrCodeProtocol ErrorCode = "protocol error"
	// ErrCodeDeadTarget covers a target process/thread/node that died
	// between admission and dispatch.
	ErrCodeDeadTarget ErrorCode = "dead target"
	// ErrCodeResourceExhausted covers allocator, fd table, or memory
	// exhaustion.
	ErrCodeResourceExhausted ErrorCode = "resource exhausted"
	// ErrCodePermissionDenied covers a policy hook denial.
	ErrCodePermissionDenied ErrorCode = "permission denied"
	// ErrCodeUserWarning covers non-fatal user mistakes: invalid ref
	// decrement, weak-as-strong lookup, unknown handle.
	ErrCodeUserWarning ErrorCode = "user warning"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewProcessError creates a process-scoped structured error.
func NewProcessError(op string, pid int32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, PID: pid, Code: code, Msg: msg}
}

// NewHandleError creates a handle-scoped structured error.
func NewHandleError(op string, pid int32, handle uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, PID: pid, Handle: handle, Code: code, Msg: msg}
}

// WrapError wraps an existing error with binderd operation context.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			PID:    be.PID,
			Handle: be.Handle,
			Code:   be.Code,
			Msg:    be.Msg,
			Inner:  be.Inner,
		}
	}
	return &Error{
		Op:    op,
		Code:  ErrCodeProtocol,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// IsDeadTarget reports whether err signals a dead-target condition, the
// case callers most often need to branch on (BR_DEAD_REPLY vs FAILED_REPLY).
func IsDeadTarget(err error) bool {
	return IsCode(err, ErrCodeDeadTarget)
}

// wrapEngineError maps an internal engine error onto the public error
// surface. engine cannot import this package (it would cycle back through
// engine), so the mapping lives here instead.
func wrapEngineError(err error) error {
	if err == nil {
		return nil
	}
	ee, ok := err.(*engine.Error)
	if !ok {
		return WrapError("", err)
	}
	return &Error{Op: ee.Op, Code: engineKindToCode(ee.Kind), Msg: ee.Msg, Inner: err}
}

func engineKindToCode(k engine.Kind) ErrorCode {
	switch k {
	case engine.KindDeadTarget:
		return ErrCodeDeadTarget
	case engine.KindResourceExhausted:
		return ErrCodeResourceExhausted
	case engine.KindPermissionDenied:
		return ErrCodePermissionDenied
	case engine.KindUserWarning:
		return ErrCodeUserWarning
	default:
		return ErrCodeProtocol
	}
}
