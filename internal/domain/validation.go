package domain

import (
	kerrors "github.com/harunnryd/karakuri/internal/errors"
)

type ValidationCode string

const (
	CodeMissingField  ValidationCode = "MISSING_FIELD"
	CodeInvalidFormat ValidationCode = "INVALID_FORMAT"
	CodeInvalidValue  ValidationCode = "INVALID_VALUE"
	CodeInvalidLength ValidationCode = "INVALID_LENGTH"
)

type ValidationError struct {
	Field   string
	Message string
	Code    ValidationCode
}

func (e *ValidationError) Error() string {
	if e.Code != "" {
		return string(e.Code) + ": " + e.Field + " - " + e.Message
	}
	return e.Field + " - " + e.Message
}

// Unwrap places every validation failure in the invalid input category.
func (e *ValidationError) Unwrap() error {
	return kerrors.ErrInvalidInput
}

func missing(field string) error {
	return &ValidationError{Field: field, Message: "cannot be empty", Code: CodeMissingField}
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message, Code: CodeInvalidValue}
}

const (
	maxNameLength        = 200
	maxDescriptionLength = 2000
)

func validateName(name string) error {
	if name == "" {
		return missing("name")
	}
	if len(name) > maxNameLength {
		return &ValidationError{Field: "name", Message: "must not exceed 200 characters", Code: CodeInvalidLength}
	}
	return nil
}

func validateDescription(description string) error {
	if len(description) > maxDescriptionLength {
		return &ValidationError{Field: "description", Message: "must not exceed 2000 characters", Code: CodeInvalidLength}
	}
	return nil
}
