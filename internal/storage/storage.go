// Package storage provides the record engines behind a node's local store.
package storage

import (
	"context"
	"time"

	"github.com/vazonhub/rhizome/pkg"
)

// Entry is a stored value together with its absolute expiry.
// A zero ExpiresAt never expires.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether the entry has lapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Stats reports operation counters for a store.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
}

// checkContext converts a done context into the storage sentinel.
func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return pkg.ErrContextCanceled
	default:
		return nil
	}
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
