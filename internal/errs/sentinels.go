// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates an authoritative rejection: bad credentials,
	// revoked or expired refresh token, unverifiable access token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary sign-in lock due to throttling.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrSessionExpired indicates a session whose expiry is not in the future.
	ErrSessionExpired = errors.New("session expired")

	// ErrSignInRequired is returned when every restoration layer came up empty.
	ErrSignInRequired = errors.New("sign in required")

	// ErrNotMember indicates an organization switch to a tenant the user does not belong to.
	ErrNotMember = errors.New("not a member of organization")

	// ErrReadyPredicateSet indicates a second attempt to install the session-ready predicate.
	ErrReadyPredicateSet = errors.New("session ready predicate already installed")

	// ErrCoordinatorExists indicates a second visibility coordinator in one process.
	ErrCoordinatorExists = errors.New("visibility coordinator already exists")
)

// User-facing notices. The underlying cause is logged, never shown verbatim.
const (
	NoticeSignInAgain     = "please sign in again"
	NoticeOperationFailed = "operation failed, try again"
)

// Notice maps an error to the short message shown to the user.
func Notice(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSignInRequired), errors.Is(err, ErrSessionExpired):
		return NoticeSignInAgain
	default:
		return NoticeOperationFailed
	}
}
