// Package common defines shared constants and sentinel errors used across
// the blobsync components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Transport-level errors.
	ErrTransport        = errors.New("transport error")
	ErrTransientNetwork = errors.New("transient network error")
	ErrNotFound         = errors.New("not found")
	ErrNotFoundStale    = errors.New("not found (stale edge cache)")
	ErrForbidden        = errors.New("forbidden")

	// Content errors.
	ErrContentMismatch   = errors.New("content mismatch")
	ErrHashMismatch      = errors.New("hash mismatch")
	ErrStructuralInvalid = errors.New("structurally invalid content")
	ErrInvalidHash       = errors.New("invalid content hash")
	ErrInvalidHeader     = errors.New("invalid blob header")

	// Filesystem errors.
	ErrResourceBusy = errors.New("resource busy")
	ErrFatal        = errors.New("fatal error")

	// Flow control.
	ErrCancelled = errors.New("cancelled")
	ErrNotLocal  = errors.New("content not present locally")
)
