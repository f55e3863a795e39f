// Package errs defines the error kinds shared by all components. Concrete
// errors wrap exactly one kind so callers can classify them with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrSecurity    = errors.New("security error")
	ErrUnsupported = errors.New("unsupported")
)

var kinds = []error{ErrValidation, ErrNotFound, ErrConflict, ErrSecurity, ErrUnsupported}

// New returns a sentinel error of the given kind.
func New(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}

// Kind returns the kind err belongs to, or nil for unclassified errors.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
