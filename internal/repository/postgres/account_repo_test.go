package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestAccountRepo_Create_OK_and_UniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAccountRepo(db)
	ctx := context.Background()
	a := &model.Account{ID: uuid.Must(uuid.NewV4()), Email: "a@b.c", PwdHash: []byte("h"), Salt: []byte("s")}

	mock.ExpectExec(`INSERT INTO accounts \(id, email, pwd_hash, salt\) VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(a.ID, a.Email, a.PwdHash, a.Salt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, a))

	mock.ExpectExec(`INSERT INTO accounts`).
		WithArgs(a.ID, a.Email, a.PwdHash, a.Salt).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(ctx, a), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepo_GetByEmail(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAccountRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	now := time.Now()

	mock.ExpectQuery(`SELECT id, email, pwd_hash, salt, created_at FROM accounts WHERE email=\$1`).
		WithArgs("a@b.c").
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "pwd_hash", "salt", "created_at"}).
			AddRow(id, "a@b.c", []byte("h"), []byte("s"), now))
	a, err := r.GetByEmail(ctx, "a@b.c")
	require.NoError(t, err)
	require.Equal(t, id, a.ID)
	require.Equal(t, []byte("s"), a.Salt)

	mock.ExpectQuery(`FROM accounts WHERE email=\$1`).WithArgs("x@b.c").WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByEmail(ctx, "x@b.c")
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(`FROM accounts WHERE id=\$1`).WithArgs(id).WillReturnError(context.Canceled)
	_, err = r.GetByID(ctx, id)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepo_SaveConsumeRevoke(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewRefreshTokenRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	hash := []byte("hash")
	exp := time.Now().Add(time.Hour)

	mock.ExpectExec(`INSERT INTO refresh_tokens`).WithArgs(hash, id, exp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Save(ctx, hash, id, exp))

	mock.ExpectQuery(`UPDATE refresh_tokens SET revoked = true WHERE token_hash = \$1 AND NOT revoked`).
		WithArgs(hash).
		WillReturnRows(pgxmock.NewRows([]string{"account_id"}).AddRow(id))
	got, err := r.Consume(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, id, got)

	mock.ExpectQuery(`UPDATE refresh_tokens`).WithArgs(hash).WillReturnError(pgx.ErrNoRows)
	_, err = r.Consume(ctx, hash)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	mock.ExpectQuery(`UPDATE refresh_tokens`).WithArgs(hash).WillReturnError(errors.New("conn reset"))
	_, err = r.Consume(ctx, hash)
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrUnauthorized)

	mock.ExpectExec(`UPDATE refresh_tokens SET revoked = true WHERE account_id = \$1`).WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	require.NoError(t, r.RevokeAll(ctx, id))
	require.NoError(t, mock.ExpectationsWereMet())
}
