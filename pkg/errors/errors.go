// Package errors provides structured error handling for the arbor runtime.
//
// Errors fall into two groups. Invalid arguments are returned synchronously
// to the caller as a [*RuntimeError] that matches [ErrInvalidArgument].
// Failures inside user callbacks (build functions, notification predicates,
// disposers) are recovered at the boundary that invoked them, wrapped in a
// [*CallbackError] and sent to the global [ErrorHandler]; they never reach
// the caller.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrInvalidArgument is matched by every error reporting a missing or
// malformed required parameter.
var ErrInvalidArgument = stderrors.New("invalid argument")

// ErrorKind identifies the category of an error.
type ErrorKind int

const (
	// KindUnknown indicates an error of unknown type.
	KindUnknown ErrorKind = iota
	// KindInvalidArgument indicates a missing or malformed parameter.
	KindInvalidArgument
	// KindCallback indicates a user-supplied callback failed.
	KindCallback
	// KindPanic indicates a recovered panic outside a callback boundary.
	KindPanic
	// KindConfig indicates a configuration error.
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindCallback:
		return "callback"
	case KindPanic:
		return "panic"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// RuntimeError represents a structured error in the arbor runtime.
type RuntimeError struct {
	// Op is the operation that failed (e.g., "memory.Register").
	Op string
	// Kind categorizes the error.
	Kind ErrorKind
	// Err is the underlying error.
	Err error
	// StackTrace contains the call stack at the time of the error.
	StackTrace string
	// Timestamp is when the error occurred.
	Timestamp time.Time
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Is reports whether the error belongs to the invalid-argument category,
// so errors.Is(err, ErrInvalidArgument) works without wrapping the sentinel.
func (e *RuntimeError) Is(target error) bool {
	return target == ErrInvalidArgument && e.Kind == KindInvalidArgument
}

// InvalidArgument builds an invalid-argument error for op.
func InvalidArgument(op, format string, args ...any) error {
	return &RuntimeError{
		Op:        op,
		Kind:      KindInvalidArgument,
		Err:       fmt.Errorf(format, args...),
		Timestamp: time.Now(),
	}
}

// PanicError represents a recovered panic.
type PanicError struct {
	// Op is the operation that panicked (e.g., "memory.leakTimer").
	Op string
	// Value is the value passed to panic().
	Value any
	// StackTrace contains the call stack at the time of the panic.
	StackTrace string
	// Timestamp is when the panic occurred.
	Timestamp time.Time
}

func (e *PanicError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("panic in %s: %v", e.Op, e.Value)
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// Phase names the callback boundary a [CallbackError] was caught at.
type Phase string

const (
	PhaseBuild              Phase = "build"
	PhaseUpdateShouldNotify Phase = "updateShouldNotify"
	PhaseDisposer           Phase = "disposer"
	PhaseRelease            Phase = "release"
	PhaseListener           Phase = "listener"
	PhaseLeakCallback       Phase = "leakCallback"
	PhasePatch              Phase = "patch"
)

// CallbackError represents a failure inside a user-supplied callback.
type CallbackError struct {
	// Phase is the boundary that caught the failure.
	Phase Phase
	// Widget is the type name of the widget involved, if any.
	Widget string
	// Element is the element type, if any.
	Element string
	// ElementID is the id of the element involved, or zero.
	ElementID uint64
	// Recovered is the panic value (nil for regular errors).
	Recovered any
	// Err is the underlying error (nil for panics).
	Err error
	// StackTrace contains the call stack at the time of the error.
	StackTrace string
	// Timestamp is when the error occurred.
	Timestamp time.Time
}

func (e *CallbackError) Error() string {
	target := e.Widget
	if target == "" {
		target = e.Element
	}
	if target == "" {
		target = "callback"
	}
	if e.Recovered != nil {
		return fmt.Sprintf("panic in %s during %s: %v", target, e.Phase, e.Recovered)
	}
	if e.Err != nil {
		return fmt.Sprintf("error in %s during %s: %v", target, e.Phase, e.Err)
	}
	return fmt.Sprintf("unknown error in %s during %s", target, e.Phase)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// ErrorHandler receives errors reported by the runtime.
type ErrorHandler interface {
	// HandleError is called when an error occurs.
	HandleError(err *RuntimeError)
	// HandlePanic is called when a panic is recovered.
	HandlePanic(err *PanicError)
	// HandleCallbackError is called when a user callback fails.
	HandleCallbackError(err *CallbackError)
}

// Is, As and New re-export the standard helpers so callers importing this
// package under the name errors keep access to them.
var (
	Is  = stderrors.Is
	As  = stderrors.As
	New = stderrors.New
)
