package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/propcare/internal/billing"
	"github.com/and161185/propcare/internal/config"
	pkgcrypto "github.com/and161185/propcare/internal/crypto"
	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/session"
)

func Test_message(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("refresh: %w", errs.ErrUnauthorized), errs.NoticeSignInAgain},
		{errs.ErrSignInRequired, errs.NoticeSignInAgain},
		{fmt.Errorf("switch: %w", errs.ErrNotMember), "not a member of that organization"},
		{errs.ErrRateLimited, "too many attempts, try again later"},
		{errs.ErrAlreadyExists, "already exists"},
		{fmt.Errorf("%w: email is required", errs.ErrValidation), "validation: email is required"},
		{errors.New("dial tcp: connection refused"), errs.NoticeOperationFailed},
	}
	for _, c := range cases {
		require.Equal(t, c.want, message(c.err), c.err.Error())
	}
	err := fmt.Errorf("%w: need -email and -password", errUsage)
	require.Equal(t, err.Error(), message(err))
}

func Test_run_UnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), nil, "frobnicate", nil, &out)
	require.ErrorIs(t, err, errUsage)
	require.Empty(t, out.String())
}

type memSubs map[uuid.UUID]model.Subscription

func (m memSubs) Get(_ context.Context, id uuid.UUID) (*model.Subscription, error) {
	s, ok := m[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &s, nil
}

func (m memSubs) Upsert(_ context.Context, s *model.Subscription) error {
	m[s.OrganizationID] = *s
	return nil
}

func Test_run_BillingEvent(t *testing.T) {
	subs := memSubs{}
	a := &app{
		log:     zaptest.NewLogger(t),
		billing: billing.NewService(subs, config.BillingConfig{TrialDays: 14}, nil),
	}
	org := uuid.Must(uuid.NewV4())
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	write := func(name string, ev billing.Event) string {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(path, b, 0o600))
		return path
	}

	var out bytes.Buffer
	paid := write("paid.json", billing.Event{ID: "evt_1", Type: billing.InvoicePaid, OrganizationID: org, ExternalID: "sub_1", OccurredAt: at})
	require.NoError(t, run(context.Background(), a, "billing-event", []string{"-file", paid}, &out))
	var got model.Subscription
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, model.SubActive, got.Status)
	require.Equal(t, "sub_1", got.ExternalID)
	require.Equal(t, model.SubActive, subs[org].Status)

	out.Reset()
	stale := write("stale.json", billing.Event{ID: "evt_0", Type: billing.InvoicePaymentFailed, OrganizationID: org, OccurredAt: at.Add(-time.Hour)})
	require.NoError(t, run(context.Background(), a, "billing-event", []string{"-file", stale}, &out))
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, model.SubActive, got.Status, "older event leaves the subscription as is")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"type":"invoice.paid"}`), 0o600))
	err := run(context.Background(), a, "billing-event", []string{"-file", bad}, &out)
	require.ErrorIs(t, err, errs.ErrValidation)
}

func Test_orgRows(t *testing.T) {
	a := model.Organization{ID: uuid.Must(uuid.NewV4()), Name: "Acme", Slug: "acme"}
	b := model.Organization{ID: uuid.Must(uuid.NewV4()), Name: "Beta", Slug: "beta"}
	st := session.State{
		Organization:  &b,
		Organizations: []model.Organization{a, b},
		Memberships: []model.Membership{
			{OrganizationID: a.ID, Role: model.RoleManager},
			{OrganizationID: b.ID, Role: model.RoleAdmin},
		},
	}
	rows := orgRows(st)
	require.Len(t, rows, 2)
	require.Equal(t, orgRow{ID: a.ID, Name: "Acme", Slug: "acme", Role: model.RoleManager}, rows[0])
	require.True(t, rows[1].Current)
	require.Equal(t, model.RoleAdmin, rows[1].Role)

	require.Empty(t, orgRows(session.State{}))
}

func Test_identityView_MembershipRoleWins(t *testing.T) {
	o := model.Organization{ID: uuid.Must(uuid.NewV4()), Name: "Acme"}
	u := &model.User{ID: uuid.Must(uuid.NewV4()), Email: "a@b.c", Role: model.RoleOther}
	st := session.State{
		Organization: &o,
		Memberships:  []model.Membership{{OrganizationID: o.ID, Role: model.RoleManager}},
	}
	v := identityView(st, u)
	require.Equal(t, "Acme", v.Organization)
	require.Equal(t, model.RoleManager, v.Role)

	v = identityView(session.State{}, u)
	require.Empty(t, v.Organization)
	require.Equal(t, model.RoleOther, v.Role)
}

func Test_printJSON(t *testing.T) {
	var buf bytes.Buffer
	printJSON(&buf, map[string]int{"properties": 3})
	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, 3, got["properties"])
	require.Contains(t, buf.String(), "\n  \"properties\"")
}

func Test_loadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.key")

	k1, err := loadOrCreateKey(path)
	require.NoError(t, err)
	require.Len(t, k1, pkgcrypto.KeyLen)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	k2, err := loadOrCreateKey(path)
	require.NoError(t, err)
	require.Equal(t, k1, k2, "key is stable across runs")

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	k3, err := loadOrCreateKey(path)
	require.NoError(t, err)
	require.Len(t, k3, pkgcrypto.KeyLen)
	require.NotEqual(t, k1, k3)
}
