package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrDuplicateEvent - event with the same source and external id was already accepted
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidInput - malformed definition, rule, script or filter (reject the request)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - listener, automation, event or task does not exist in the caller's scope
	ErrNotFound = errors.New("not found")

	// ErrConflict - illegal state transition (cancel a processing task, retry a done task)
	ErrConflict = errors.New("conflict")

	// ErrTransient - persistence unavailable or claim lost (task stays pending, retry later)
	ErrTransient = errors.New("transient error")

	// ErrTimeout - script or action exceeded its wall-clock budget
	ErrTimeout = errors.New("timeout")

	// ErrExecution - action ran and failed (script error, LLM callback failure)
	ErrExecution = errors.New("execution failed")

	// ErrInternal - unexpected fault (panic inside an action, broken invariant)
	ErrInternal = errors.New("internal error")
)
