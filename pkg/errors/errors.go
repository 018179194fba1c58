package errors

import "errors"

// Sentinel errors for common error conditions
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that input validation failed
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates a vector does not match the store dimension
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)
