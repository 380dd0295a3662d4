// Package errors provides error wrapping utilities for context-aware error messages
// and the error kinds shared by the firmware update engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error kinds. Every error produced by the engine wraps exactly one of these so
// callers can classify failures with Is.
var (
	ErrInvalidContainer    = stderrors.New("invalid SIMG container")
	ErrEnvironmentTooLarge = stderrors.New("boot environment too large")
	ErrUnknownBootCommand  = stderrors.New("unknown boot command")
	ErrNoBootCommand       = stderrors.New("no boot command")
	ErrInvalidBootOrder    = stderrors.New("invalid boot order")
	ErrNoPartition         = stderrors.New("no matching partition")
	ErrPriorityOverflow    = stderrors.New("partition priority overflow")
	ErrImageSize           = stderrors.New("image too large for partition")
	ErrTransferFailure     = stderrors.New("transfer failed")
	ErrTimeout             = stderrors.New("transfer timed out")
	ErrCommandFailed       = stderrors.New("command failed")
	ErrIncompatiblePackage = stderrors.New("incompatible firmware package")
	ErrVerification        = stderrors.New("post-update verification failed")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Newf returns an error of the given kind with a formatted detail message.
func Newf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Kindf wraps cause as an error of the given kind. Both kind and cause remain
// reachable through Is and As.
func Kindf(kind, cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), cause)
}

// New is errors.New.
func New(text string) error { return stderrors.New(text) }

// Is is errors.Is.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As is errors.As.
func As(err error, target any) bool { return stderrors.As(err, target) }
