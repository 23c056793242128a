package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// Create inserts a new account row.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) error {
	const q = `
INSERT INTO accounts (id, email, pwd_hash, salt)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, a.ID, a.Email, a.PwdHash, a.Salt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects an account by ID.
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	const q = `
SELECT id, email, pwd_hash, salt, created_at
FROM accounts WHERE id=$1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByEmail selects an account by email.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	const q = `
SELECT id, email, pwd_hash, salt, created_at
FROM accounts WHERE email=$1`
	return r.scanOne(r.db.Pool.QueryRow(ctx, q, email))
}

func (r *AccountRepo) scanOne(row pgx.Row) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.Email, &a.PwdHash, &a.Salt, &a.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// RefreshTokenRepo implements RefreshTokenRepository using PostgreSQL.
type RefreshTokenRepo struct{ db *DB }

// NewRefreshTokenRepo constructs a refresh token repository.
func NewRefreshTokenRepo(db *DB) *RefreshTokenRepo { return &RefreshTokenRepo{db: db} }

// Save stores a token hash.
func (r *RefreshTokenRepo) Save(ctx context.Context, hash []byte, accountID uuid.UUID, expiresAt time.Time) error {
	const q = `
INSERT INTO refresh_tokens (token_hash, account_id, expires_at)
VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, hash, accountID, expiresAt)
	return err
}

// Consume atomically revokes a live token and returns the owning account.
func (r *RefreshTokenRepo) Consume(ctx context.Context, hash []byte) (uuid.UUID, error) {
	const q = `
UPDATE refresh_tokens
SET revoked = true
WHERE token_hash = $1 AND NOT revoked AND expires_at > now()
RETURNING account_id`
	var id uuid.UUID
	if err := r.db.Pool.QueryRow(ctx, q, hash).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, errs.ErrUnauthorized
		}
		return uuid.Nil, err
	}
	return id, nil
}

// RevokeAll revokes all live tokens of an account.
func (r *RefreshTokenRepo) RevokeAll(ctx context.Context, accountID uuid.UUID) error {
	const q = `UPDATE refresh_tokens SET revoked = true WHERE account_id = $1 AND NOT revoked`
	_, err := r.db.Pool.Exec(ctx, q, accountID)
	return err
}
