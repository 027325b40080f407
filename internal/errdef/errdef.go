package errdef

import (
	"errors"
	"fmt"
)

func NewBadRequest(format string, a ...any) error {
	return badRequest{fmt.Errorf(format, a...)}
}

type badRequest struct{ error }

func IsBadRequest(err error) bool {
	var e badRequest
	return errors.As(err, &e)
}

func NewDuplicated(format string, a ...any) error {
	return duplicated{fmt.Errorf(format, a...)}
}

type duplicated struct{ error }

func IsDuplicated(err error) bool {
	var e duplicated
	return errors.As(err, &e)
}

// NewNotFound creates an error representing a resource that could not be found.
func NewNotFound(format string, a ...any) error {
	return notFound{fmt.Errorf(format, a...)}
}

type notFound struct{ error }

// IsNotFound returns true if err is an error representing a resource that could not be found and false otherwise.
func IsNotFound(err error) bool {
	var e notFound
	return errors.As(err, &e)
}

// NewConflict creates an error representing a conflicting state.
func NewConflict(format string, a ...any) error {
	return conflict{fmt.Errorf(format, a...)}
}

type conflict struct{ error }

// IsConflict returns true if err is an error representing a conflict and false otherwise.
func IsConflict(err error) bool {
	var e conflict
	return errors.As(err, &e)
}

// NewConfiguration creates an error representing invalid or missing configuration. It is fatal at
// startup.
func NewConfiguration(format string, a ...any) error {
	return configuration{fmt.Errorf(format, a...)}
}

type configuration struct{ error }

func IsConfiguration(err error) bool {
	var e configuration
	return errors.As(err, &e)
}

// NewUnreachable creates an error representing a backend that could not be connected to. Callers
// may retry.
func NewUnreachable(format string, a ...any) error {
	return unreachable{fmt.Errorf(format, a...)}
}

type unreachable struct{ error }

func IsUnreachable(err error) bool {
	var e unreachable
	return errors.As(err, &e)
}

// NewConsistency creates an error representing a state that should not be possible, like a row
// missing right after it was written.
func NewConsistency(format string, a ...any) error {
	return consistency{fmt.Errorf(format, a...)}
}

type consistency struct{ error }

func IsConsistency(err error) bool {
	var e consistency
	return errors.As(err, &e)
}

func NewOperationDisabled(format string, a ...any) error {
	return operationDisabled{fmt.Errorf(format, a...)}
}

type operationDisabled struct{ error }

func IsOperationDisabled(err error) bool {
	var e operationDisabled
	return errors.As(err, &e)
}

// NewBackendTeardown creates an error representing a schema that could not be dropped because its
// sessions could not be terminated. The schema is left untouched.
func NewBackendTeardown(format string, a ...any) error {
	return backendTeardown{fmt.Errorf(format, a...)}
}

type backendTeardown struct{ error }

func IsBackendTeardown(err error) bool {
	var e backendTeardown
	return errors.As(err, &e)
}
