// Package apperr defines the error kinds shared by every component.
//
// Components declare their own sentinels wrapping one of these kinds, so a
// caller can branch on the broad category with errors.Is and still report the
// precise reason.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrPermission  = errors.New("permission denied")
	ErrConflict    = errors.New("conflict")
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
)

// New returns a sentinel that reports msg and matches kind.
func New(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}

// Kind returns the taxonomy member err belongs to, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrPermission, ErrConflict, ErrRateLimited, ErrNotFound} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
