// Package dedup provides the claim store that guarantees at-most-one reply
// per notification event. A claim is check-and-set atomic: of N concurrent
// claims for the same key exactly one succeeds.
package dedup

import "context"

type Store interface {
	// Claim marks key as handled. It returns true when the caller won the
	// claim and false when the key was already claimed.
	Claim(ctx context.Context, key string) (bool, error)
	Close() error
}
