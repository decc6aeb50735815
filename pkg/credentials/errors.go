package credentials

import (
	"errors"
	"fmt"
)

// Resolution failures form a closed taxonomy. The HTTP layer maps each
// kind to a status code and a stable machine-readable code; nothing
// else about the failure leaks to callers.
var (
	// ErrInstanceNotFound: the instance id resolves to no row.
	ErrInstanceNotFound = errors.New("credentials: instance not found")

	// ErrServiceDisabled: the instance's service is absent from the
	// catalog or administratively disabled.
	ErrServiceDisabled = errors.New("credentials: service disabled")

	// ErrInstancePaused: the instance exists but is inactive.
	ErrInstancePaused = errors.New("credentials: instance paused")

	// ErrNoCredential: no usable token and no way to mint one. The
	// user has to complete the OAuth flow first.
	ErrNoCredential = errors.New("credentials: oauth authorization required")

	// ErrReauthRequired: the grant is permanently dead. Only a new
	// user authorization can recover the instance.
	ErrReauthRequired = errors.New("credentials: re-authorization required")
)

// RefreshFailedError is a transient refresh failure: the provider was
// unreachable, rate limiting, or returned a non-permanent error. The
// stored grant is still presumed good.
type RefreshFailedError struct {
	Provider string
	Detail   string
	Err      error
}

func (e *RefreshFailedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("credentials: %s refresh failed: %s", e.Provider, e.Detail)
	}
	return fmt.Sprintf("credentials: %s refresh failed", e.Provider)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }

// AuthInvalidError is the provider telling us the grant itself is bad
// (invalid_grant, or the token was expired or revoked upstream). It is
// permanent; retrying cannot help.
type AuthInvalidError struct {
	Provider string
	Code     string
	Detail   string
}

func (e *AuthInvalidError) Error() string {
	return fmt.Sprintf("credentials: %s rejected grant (%s): %s", e.Provider, e.Code, e.Detail)
}
