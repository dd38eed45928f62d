package aimeter

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the root of all configuration errors; never retried
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidTier is returned for unknown tiers
	ErrInvalidTier = fmt.Errorf("%w: invalid tier", ErrConfiguration)

	// ErrInvalidOperation is returned for unknown operation kinds
	ErrInvalidOperation = fmt.Errorf("%w: invalid operation", ErrConfiguration)

	// ErrInvalidConfig is returned for malformed configuration values
	ErrInvalidConfig = fmt.Errorf("%w: invalid config", ErrConfiguration)

	// ErrStoreUnavailable is returned when the quota store cannot be reached
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrWindowNotFound is returned when a user has no usage window to adjust
	ErrWindowNotFound = errors.New("usage window not found")

	// ErrInvalidUserID is returned for an empty user id
	ErrInvalidUserID = errors.New("invalid user id")
)

// StoreError reports a failed store operation. It matches ErrStoreUnavailable
// with errors.Is and unwraps to the underlying cause.
type StoreError struct {
	Op     string
	UserID string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s user=%s: %v", e.Op, e.UserID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStoreUnavailable) hold for every StoreError.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsStoreUnavailable reports whether err is a store availability failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
