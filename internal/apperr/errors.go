// Package apperr holds the application-wide error conditions shared by the
// persistence, service and transport layers.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrForbidden     = errors.New("forbidden")
)

// NotFoundError is a lookup failure that carries the missing key for
// diagnostics. It matches ErrNotFound under errors.Is.
type NotFoundError struct {
	Kind string
	Key  string
}

// NotFound returns a NotFoundError for the given kind and key.
func NotFound(kind, key string) *NotFoundError {
	return &NotFoundError{Kind: kind, Key: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// MissingKey extracts the key of a NotFoundError anywhere in err's chain.
func MissingKey(err error) (string, bool) {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf.Key, true
	}
	return "", false
}
