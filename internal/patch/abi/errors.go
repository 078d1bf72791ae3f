package abi

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, matched with errors.Is against the Kind carried
// by PatchError. Modeled on github.com/containerd/errdefs's convention
// of package-level sentinel errors paired with Is* helpers.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidFormat     = errors.New("invalid format")
	ErrConsistencyFailure = errors.New("consistency failure")
	ErrIncompatible      = errors.New("incompatible")
	ErrConflict          = errors.New("conflict")
	ErrOverride          = errors.New("override")
	ErrDriverFailure     = errors.New("driver failure")
	ErrIO                = errors.New("io error")
	ErrInvalidTransition = errors.New("invalid transition")
)

// PatchError is the user-visible failure shape from spec.md §7:
// {kind, patch_identifier?, message, cause_chain}.
type PatchError struct {
	Kind    error
	PatchID string
	Message string
	Cause   error
}

func (e *PatchError) Error() string {
	if e.PatchID != "" {
		return fmt.Sprintf("%s: %s", e.PatchID, e.Message)
	}
	return e.Message
}

func (e *PatchError) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, abi.ErrConflict) to match a *PatchError whose
// Kind is ErrConflict, without requiring the caller to unwrap to Cause.
func (e *PatchError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewError builds a PatchError, wrapping an optional cause.
func NewError(kind error, patchID, message string, cause error) *PatchError {
	return &PatchError{Kind: kind, PatchID: patchID, Message: message, Cause: cause}
}

func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsInvalidFormat(err error) bool     { return errors.Is(err, ErrInvalidFormat) }
func IsConsistencyFailure(err error) bool { return errors.Is(err, ErrConsistencyFailure) }
func IsIncompatible(err error) bool      { return errors.Is(err, ErrIncompatible) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsOverride(err error) bool          { return errors.Is(err, ErrOverride) }
func IsDriverFailure(err error) bool     { return errors.Is(err, ErrDriverFailure) }
func IsIO(err error) bool                { return errors.Is(err, ErrIO) }
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }
