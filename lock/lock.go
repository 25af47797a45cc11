// Package lock deduplicates at-least-once event deliveries. A payload is
// locked by the hash of its contents and the lock expires after a TTL.
package lock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"
)

const (
	// DefaultTTL is how long a payload stays locked.
	DefaultTTL = 300 * time.Second
	// DefaultRetryWait is the pause between retries of a reset connection.
	DefaultRetryWait = 500 * time.Millisecond
)

// Locker reports whether an id is available, taking the lock when it is.
// An id locked by an earlier call within the TTL is not available until it
// expires or is released.
type Locker interface {
	Acquire(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
	Close() error
}

// Hash returns the sha256 of payload as a hex string.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%x", sum)
}
