package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist or has expired
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCorruptEntry is returned when a persisted entry cannot be decoded
	ErrCorruptEntry = errors.New("corrupt storage entry")
)
