// Package storage holds the errors shared by storage backends.
package storage

import "errors"

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a record with the same key already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrInvalid indicates a record failed validation.
	ErrInvalid = errors.New("invalid record")
)
