package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the artifact does not exist upstream. It is
	// a permanent miss and is not retried.
	ErrNotFound = errors.New("artifact not found")

	// ErrLeaderFailed is returned to every caller of a fetch whose leader
	// panicked before producing an outcome.
	ErrLeaderFailed = errors.New("singleflight leader failed")

	// errUnexpectedNotModified is reported when a backend answers not-modified
	// to an unconditional request.
	errUnexpectedNotModified = errors.New("not modified without a validator")
)

// StorageError reports a backend or transport failure.
type StorageError struct {
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("fetch artifact %q: %v", e.ID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ConvertError reports that fetched bytes could not be decoded. Nothing is
// cached when it occurs.
type ConvertError struct {
	ID  string
	Err error
}

func (e *ConvertError) Error() string {
	return fmt.Sprintf("decode artifact %q: %v", e.ID, e.Err)
}

func (e *ConvertError) Unwrap() error { return e.Err }
