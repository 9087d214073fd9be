package app

import (
	"errors"
	"fmt"
)

// ErrInitialization indicates an initialization failure.
var ErrInitialization = errors.New("initialization failed")

// InitError reports which component failed during bootstrap.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialization failed: %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel regardless of component.
func (e *InitError) Is(target error) bool {
	return target == ErrInitialization
}
