package api

import "fmt"

// Error represents an API error
type Error struct {
	Code    int
	Message string
}

// NewError creates a new API error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// InvalidParams creates an invalid-params error
func InvalidParams(format string, args ...interface{}) *Error {
	return NewError(ErrInvalidParams, fmt.Sprintf(format, args...))
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

// Application error codes
const (
	ErrNotFound = -32004
)
