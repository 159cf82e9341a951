package function

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownFunction   = errors.New("unknown function")
	ErrDuplicateFunction = errors.New("function already registered")
	ErrInvalidName       = errors.New("invalid function name")
	ErrInvalidSchema     = errors.New("invalid parameter schema")
	ErrRegistryFrozen    = errors.New("registry is frozen")
)

// UnknownFunctionError is returned when a tool call names a function that was
// never registered. It matches ErrUnknownFunction with errors.Is.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("function %s not registered", e.Name)
}

func (e *UnknownFunctionError) Is(target error) bool {
	return target == ErrUnknownFunction
}

// InvocationError reports a failure to run a registered function: bad
// arguments, schema mismatch, or an error returned by the function itself.
type InvocationError struct {
	Name string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Name, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
