package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidInput means a request field is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates the presented HWID/license pair (or admin
	// secret) was rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means an admin operation referenced an unknown HWID.
	ErrNotFound = errors.New("license not found")

	// ErrArtifactUnavailable means the protected artifact cannot be read.
	ErrArtifactUnavailable = errors.New("artifact unavailable")

	// ErrStorage wraps durable read/write failures.
	ErrStorage = errors.New("storage failure")
)

// LicenseError wraps an underlying error with license context.
type LicenseError struct {
	HWID string
	Op   string
	Err  error
}

func (e *LicenseError) Error() string {
	if e.HWID != "" {
		return fmt.Sprintf("license %s: %s: %v", MaskHWID(e.HWID), e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *LicenseError) Unwrap() error {
	return e.Err
}
