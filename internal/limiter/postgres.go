package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	q   Querier
	p   Policy
	now func() time.Time
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, p Policy) *PG {
	return &PG{q: q, p: p, now: time.Now}
}

// Allow reports the remaining lockout for k, zero if sign-in may proceed.
func (l *PG) Allow(ctx context.Context, k Key) (time.Duration, error) {
	const q = `SELECT blocked_until FROM signin_throttle WHERE email=$1 AND client_hash=$2`
	var blockedUntil time.Time
	err := l.q.QueryRow(ctx, q, k.Email, k.Client).Scan(&blockedUntil)
	switch {
	case err == nil:
		if left := blockedUntil.Sub(l.now()); left > 0 {
			return left, nil
		}
		return 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	default:
		return 0, err
	}
}

// Success resets counters for k.
func (l *PG) Success(ctx context.Context, k Key) error {
	const q = `
INSERT INTO signin_throttle (email, client_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (email, client_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.q.Exec(ctx, q, k.Email, k.Client)
	return err
}

// Failure records a failed attempt; at MaxFails it blocks k for BlockFor.
func (l *PG) Failure(ctx context.Context, k Key) (time.Duration, error) {
	const q = `
INSERT INTO signin_throttle (email, client_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (email, client_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - signin_throttle.updated_at > $3::interval THEN 1 ELSE signin_throttle.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.q.QueryRow(ctx, q, k.Email, k.Client, l.p.Window).Scan(&fails); err != nil {
		return 0, err
	}
	if fails < l.p.MaxFails {
		return 0, nil
	}
	const upd = `UPDATE signin_throttle SET blocked_until=$3 WHERE email=$1 AND client_hash=$2`
	if _, err := l.q.Exec(ctx, upd, k.Email, k.Client, l.now().Add(l.p.BlockFor)); err != nil {
		return 0, err
	}
	return l.p.BlockFor, nil
}
