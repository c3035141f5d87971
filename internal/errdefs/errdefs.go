// Package errdefs defines the error kinds surfaced by the lumen core.
//
// Every fatal failure crossing a package boundary is an *Error carrying a
// Kind plus the stage and operation that failed. Callers match kinds with
// errors.Is against the sentinels below.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig covers missing or malformed vocabulary/config artifacts.
	KindConfig
	// KindInvalidRegion is a tile crop outside the source image.
	KindInvalidRegion
	// KindConfigMismatch is an image-marker count that does not match the
	// available tile embedding slots.
	KindConfigMismatch
	// KindModelCall is any failed call into the model runner.
	KindModelCall
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindInvalidRegion:
		return "InvalidRegion"
	case KindConfigMismatch:
		return "ConfigMismatch"
	case KindModelCall:
		return "ModelCallFailure"
	default:
		return "Unknown"
	}
}

var (
	ErrConfig         = errors.New("config error")
	ErrInvalidRegion  = errors.New("invalid region")
	ErrConfigMismatch = errors.New("config mismatch")
	ErrModelCall      = errors.New("model call failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfig:
		return ErrConfig
	case KindInvalidRegion:
		return ErrInvalidRegion
	case KindConfigMismatch:
		return ErrConfigMismatch
	case KindModelCall:
		return ErrModelCall
	default:
		return nil
	}
}

// Error is a classified failure.
type Error struct {
	Kind  Kind
	Stage string // e.g. "prefill", "tile", "load"
	Op    string // e.g. "DecodeStep", "Crop"
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Stage != "" {
		msg += " [" + e.Stage
		if e.Op != "" {
			msg += "/" + e.Op
		}
		msg += "]"
	} else if e.Op != "" {
		msg += " [" + e.Op + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, stage, op string, format string, args ...any) *Error {
	var err error
	if len(args) == 0 {
		err = errors.New(format)
	} else {
		err = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Stage: stage, Op: op, Err: err}
}

func Config(stage, format string, args ...any) error {
	return newError(KindConfig, stage, "", format, args...)
}

func InvalidRegion(op, format string, args ...any) error {
	return newError(KindInvalidRegion, "tile", op, format, args...)
}

func ConfigMismatch(stage, format string, args ...any) error {
	return newError(KindConfigMismatch, stage, "", format, args...)
}

// ModelCall wraps a runner failure. A nil err yields nil.
func ModelCall(stage, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind == KindModelCall {
		return err
	}
	return &Error{Kind: KindModelCall, Stage: stage, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
