package domain

import "errors"

// Error taxonomy shared by the engine, services and storage drivers.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrPersistence       = errors.New("persistence failure")
)
