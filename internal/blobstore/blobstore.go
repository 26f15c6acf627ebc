package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Outcome classifies a conditional GET.
type Outcome int

// Outcome values.
const (
	// Fetched means a fresh body and validator were returned.
	Fetched Outcome = iota
	// NotModified means the caller's validator is still current.
	NotModified
	// NotFound means the object does not exist.
	NotFound
	// Failed means the backend or transport failed; Err holds the cause.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Fetched:
		return "fetched"
	case NotModified:
		return "not_modified"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a conditional GET. Body and Validator are set only
// for Fetched; Err only for Failed.
type Result struct {
	Outcome   Outcome
	Body      []byte
	Validator string
	Err       error
}

// Store is a remote object store with conditional GET semantics.
type Store interface {
	// Get fetches key. When validator is non-empty the fetch is conditional
	// and NotModified is returned if the object still carries that validator.
	Get(ctx context.Context, key, validator string) Result
}

// Writer is implemented by stores that accept uploads.
type Writer interface {
	// Put stores body under key and returns its new validator.
	Put(ctx context.Context, key string, body []byte) (string, error)
}

// FetchedResult builds a Fetched result.
func FetchedResult(body []byte, validator string) Result {
	return Result{Outcome: Fetched, Body: body, Validator: validator}
}

// NotModifiedResult builds a NotModified result.
func NotModifiedResult() Result {
	return Result{Outcome: NotModified}
}

// NotFoundResult builds a NotFound result.
func NotFoundResult() Result {
	return Result{Outcome: NotFound}
}

// FailedResult builds a Failed result wrapping err.
func FailedResult(err error) Result {
	return Result{Outcome: Failed, Err: err}
}

// ContentValidator derives a validator from body content. Adapters use it when
// the backend does not supply one.
func ContentValidator(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
