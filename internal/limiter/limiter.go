// Package limiter throttles password sign-in attempts per (email, client).
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"strings"
	"time"
)

// Key identifies a throttling bucket. Client addresses are stored hashed.
type Key struct {
	Email  string
	Client []byte
}

// NewKey normalizes email and hashes the client host (port dropped, so
// reconnects from one machine share a bucket).
func NewKey(email, clientAddr string) Key {
	host := clientAddr
	if h, _, err := net.SplitHostPort(clientAddr); err == nil {
		host = h
	}
	sum := sha256.Sum256([]byte(host))
	return Key{Email: strings.ToLower(strings.TrimSpace(email)), Client: sum[:]}
}

// Policy configures the sliding window and lockout.
type Policy struct {
	Window   time.Duration // failures older than this restart the count
	MaxFails int
	BlockFor time.Duration
}

// Limiter controls sign-in attempts and temporary lockouts.
type Limiter interface {
	// Allow returns zero when an attempt may proceed, otherwise the remaining lockout.
	Allow(ctx context.Context, k Key) (time.Duration, error)
	// Success resets counters after a successful sign-in.
	Success(ctx context.Context, k Key) error
	// Failure records a failed attempt and returns the lockout it triggered, if any.
	Failure(ctx context.Context, k Key) (time.Duration, error)
}
