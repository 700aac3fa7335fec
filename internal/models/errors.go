package models

import (
	"errors"
	"fmt"
)

var (
	ErrAttribution      = errors.New("attribution failure")
	ErrPermissionDenied = errors.New("permission denied")
	ErrHierarchy        = errors.New("hierarchy violation")
	ErrTransient        = errors.New("transient transport error")
	ErrInvariant        = errors.New("invariant violation")
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
)

// PermissionError names the capability the engine was missing.
type PermissionError struct {
	Capability string
	Err        error
}

func (e *PermissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("missing permission %q: %v", e.Capability, e.Err)
	}
	return fmt.Sprintf("missing permission %q", e.Capability)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// NewPermissionError wraps err as a PermissionDenied for capability.
func NewPermissionError(capability string, err error) error {
	return &PermissionError{Capability: capability, Err: err}
}

// MissingCapability extracts the capability name from a permission error.
func MissingCapability(err error) string {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return pe.Capability
	}
	return ""
}
