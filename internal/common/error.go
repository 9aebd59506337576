// Package common defines shared sentinel errors used across the curation
// core and its transport layers. Callers should use errors.Is to match
// these values.
package common

import "errors"

var (
	// Repository/store-level errors.
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrIOFailure = errors.New("storage failure")

	// Moderation flow errors.
	ErrDuplicatePending  = errors.New("pending record already exists")
	ErrLineageUnresolved = errors.New("lineage unresolved")
	ErrInvalidState      = errors.New("invalid state")

	// External dataset store errors. The synchronizer treats all three as
	// per-item failures.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrAuthRejected      = errors.New("remote store rejected credentials")
	ErrRemoteConflict    = errors.New("remote store conflict")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrUnauthorized = errors.New("unauthorized")
)
