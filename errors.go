package ytsubs

import (
	"ytsubs/internal/auth"
	"ytsubs/internal/retry"
	"ytsubs/internal/storage"
	"ytsubs/internal/youtube"
)

// Type aliases for convenient error handling.
type (
	// APIError describes a failed remote call.
	APIError = youtube.APIError
	// ExhaustedError wraps the last failure after all retry attempts were used.
	ExhaustedError = retry.ExhaustedError
	// StorageError wraps errors during storage operations.
	StorageError = storage.StorageError
)

// Sentinel errors exported from sub-packages.
var (
	// Remote errors
	ErrChannelNotFound = youtube.ErrNotFound
	ErrDuplicate       = youtube.ErrDuplicate
	ErrRateLimited     = youtube.ErrRateLimited
	ErrQuotaExceeded   = youtube.ErrQuotaExceeded
	ErrUnavailable     = youtube.ErrUnavailable
	ErrBadRequest      = youtube.ErrBadRequest

	// ErrExhaustedRetries matches any ExhaustedError.
	ErrExhaustedRetries = retry.ErrExhaustedRetries

	// Credential errors
	ErrNoCredentials = auth.ErrNoCredentials
	ErrNoAccounts    = auth.ErrNoAccounts

	// Storage errors
	// ErrNotFound indicates an entity was not found in storage.
	ErrNotFound = storage.ErrNotFound
	// ErrAlreadyExists indicates an entity already exists in storage.
	ErrAlreadyExists = storage.ErrAlreadyExists
	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = storage.ErrInvalidInput
	// ErrStorageCorrupt indicates data corruption was detected.
	ErrStorageCorrupt = storage.ErrStorageCorrupt
	// ErrLockTimeout indicates a timeout acquiring a file lock.
	ErrLockTimeout = storage.ErrLockTimeout
)

// IsTransient reports whether a remote failure is worth retrying.
func IsTransient(err error) bool {
	return youtube.Classify(err) == retry.Transient
}
