package kademlia

import "errors"

var (
	// ErrTimeout is returned when a peer does not answer within its deadline.
	ErrTimeout = errors.New("peer timed out")

	// ErrInvalidRecord is returned for oversized values or TTLs out of bounds.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrAuthentication is returned when a message fails signature or identity checks.
	ErrAuthentication = errors.New("authentication failure")

	// ErrStorage wraps failures from the local store. Callers may retry.
	ErrStorage = errors.New("storage error")

	// ErrReplicationFailed is returned when no replica accepted a STORE.
	ErrReplicationFailed = errors.New("replication failed on all peers")

	// ErrNotFound is returned when a lookup finds no live record.
	ErrNotFound = errors.New("record not found")

	// ErrRateLimited is returned when a sender exceeds its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnexpectedResponse is returned for replies of the wrong type or correlation.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrNodeShutdown is returned once the node has been shut down.
	ErrNodeShutdown = errors.New("node is shut down")
)

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrReplicationFailed) ||
		errors.Is(err, ErrTimeout)
}
