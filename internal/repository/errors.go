package repository

import (
	"errors"
	"fmt"

	"github.com/chen-liangping/Omni/internal/domain"
)

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = domain.ErrNotFound
	// ErrInvalidArgument indicates a write was rejected because of its content.
	ErrInvalidArgument = domain.ErrValidation
	// ErrPersistence indicates the backing store failed.
	ErrPersistence = domain.ErrPersistence
)

// WrapPersistence classifies driver failures as ErrPersistence while passing domain
// errors raised by update callbacks through untouched.
func WrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{domain.ErrNotFound, domain.ErrValidation, domain.ErrInvalidTransition, domain.ErrPersistence} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
