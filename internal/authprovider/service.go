// Package authprovider is the Postgres-backed authentication backend the
// client talks to: password sign-up and sign-in, HS256 access tokens and
// rotating single-use refresh tokens.
package authprovider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	pkgcrypto "github.com/and161185/propcare/internal/crypto"
	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/limiter"
	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Claims are the access token claims.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Stores groups the repositories the provider writes to.
type Stores struct {
	Accounts      repository.AccountRepository
	RefreshTokens repository.RefreshTokenRepository
	Profiles      repository.ProfileRepository
	Memberships   repository.MembershipRepository
	Organizations repository.OrganizationRepository
}

// Options tunes token lifetimes.
type Options struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Service implements the provider operations.
type Service struct {
	st      Stores
	signKey []byte
	opts    Options
	lim     limiter.Limiter
	log     *zap.Logger
	now     func() time.Time
}

// NewService constructs Service with required dependencies.
func NewService(st Stores, signKey []byte, opts Options, lim limiter.Limiter, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{st: st, signKey: signKey, opts: opts, lim: lim, log: log.Named("authprovider"), now: time.Now}
}

// SignUpInput describes a new account. A non-empty Organization creates a
// tenant owned by the new user.
type SignUpInput struct {
	Email        string `validate:"required,email,max=254"`
	Password     string `validate:"required,max=128"`
	Name         string `validate:"max=100"`
	Organization string `validate:"max=100"`
}

// SignUp creates the account, its profile and optionally its first organization.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (uuid.UUID, error) {
	in.Email = normalizeEmail(in.Email)
	if err := check(in); err != nil {
		return uuid.Nil, err
	}
	email := in.Email
	uid, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	hash, salt, err := pkgcrypto.NewPasswordHash([]byte(in.Password))
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.st.Accounts.Create(ctx, &model.Account{ID: uid, Email: email, PwdHash: hash, Salt: salt}); err != nil {
		return uuid.Nil, fmt.Errorf("create account: %w", err)
	}

	profile := &model.User{ID: uid, Email: email, Name: in.Name, Role: model.DefaultRole}
	if in.Organization == "" {
		if err := s.st.Profiles.CreateProfile(ctx, profile); err != nil {
			return uuid.Nil, fmt.Errorf("create profile: %w", err)
		}
		return uid, nil
	}

	orgID, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	org := &model.Organization{ID: orgID, Name: in.Organization, Slug: Slugify(in.Organization), CreatedBy: &uid}
	if err := s.st.Organizations.Create(ctx, org); err != nil {
		return uuid.Nil, fmt.Errorf("create organization: %w", err)
	}
	profile.Role = model.RoleAdmin
	profile.OrganizationID = &orgID
	if err := s.st.Profiles.CreateProfile(ctx, profile); err != nil {
		return uuid.Nil, fmt.Errorf("create profile: %w", err)
	}
	m := model.Membership{UserID: uid, OrganizationID: orgID, Role: model.RoleAdmin, Active: true, IsDefault: true}
	if err := s.st.Memberships.Add(ctx, m); err != nil {
		return uuid.Nil, fmt.Errorf("add membership: %w", err)
	}
	s.log.Info("signed up", zap.String("user_id", uid.String()), zap.String("org_id", orgID.String()))
	return uid, nil
}

// SignInWithPassword authenticates with throttling by (email, client address).
func (s *Service) SignInWithPassword(ctx context.Context, email, password, clientAddr string) (model.Session, error) {
	email = normalizeEmail(email)
	key := limiter.NewKey(email, clientAddr)

	left, err := s.lim.Allow(ctx, key)
	if err != nil {
		return model.Session{}, err
	}
	if left > 0 {
		return model.Session{}, errs.ErrRateLimited
	}

	a, err := s.st.Accounts.GetByEmail(ctx, email)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), a.Salt, a.PwdHash) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return model.Session{}, err
		}
		// Record failure; if threshold reached, report rate-limited.
		if blockFor, ferr := s.lim.Failure(ctx, key); ferr == nil && blockFor > 0 {
			s.log.Warn("sign-in locked", zap.String("email", email), zap.Duration("for", blockFor))
			return model.Session{}, errs.ErrRateLimited
		}
		// unknown email and wrong password look the same
		return model.Session{}, errs.ErrUnauthorized
	}

	// Success: reset counters (best-effort).
	if err := s.lim.Success(ctx, key); err != nil {
		s.log.Warn("reset throttle", zap.Error(err))
	}
	return s.issue(ctx, a.ID, a.Email)
}

// Refresh exchanges a refresh token for a new session; the old token is consumed.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (model.Session, error) {
	if refreshToken == "" {
		return model.Session{}, errs.ErrUnauthorized
	}
	accountID, err := s.st.RefreshTokens.Consume(ctx, pkgcrypto.HashToken(refreshToken))
	if err != nil {
		return model.Session{}, err
	}
	a, err := s.st.Accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Session{}, errs.ErrUnauthorized
		}
		return model.Session{}, err
	}
	return s.issue(ctx, a.ID, a.Email)
}

// GetUser verifies an access token and returns its principal.
func (s *Service) GetUser(_ context.Context, accessToken string) (model.Principal, error) {
	c, err := s.parse(accessToken, true)
	if err != nil {
		return model.Principal{}, err
	}
	return principal(c)
}

// SignOut revokes every refresh token of the token's subject. An expired but
// correctly signed access token is accepted.
func (s *Service) SignOut(ctx context.Context, accessToken string) error {
	c, err := s.parse(accessToken, false)
	if err != nil {
		return err
	}
	p, err := principal(c)
	if err != nil {
		return err
	}
	if err := s.st.RefreshTokens.RevokeAll(ctx, p.ID); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	s.log.Info("signed out", zap.String("user_id", p.ID.String()))
	return nil
}

// issue creates a signed HS256 JWT and a stored refresh token for the subject.
func (s *Service) issue(ctx context.Context, id uuid.UUID, email string) (model.Session, error) {
	now := s.now()
	exp := now.Add(s.opts.AccessTTL)
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return model.Session{}, err
	}
	refresh, err := pkgcrypto.NewRefreshToken()
	if err != nil {
		return model.Session{}, err
	}
	if err := s.st.RefreshTokens.Save(ctx, pkgcrypto.HashToken(refresh), id, now.Add(s.opts.RefreshTTL)); err != nil {
		return model.Session{}, fmt.Errorf("save refresh token: %w", err)
	}
	return model.Session{
		AccessToken:  signed,
		RefreshToken: refresh,
		ExpiresAt:    claims.ExpiresAt.Time,
		User:         model.Principal{ID: id, Email: email},
	}, nil
}

func (s *Service) parse(token string, validate bool) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now)}
	if !validate {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return s.signKey, nil }, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", errs.ErrUnauthorized, errs.ErrSessionExpired)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	return &c, nil
}

func principal(c *Claims) (model.Principal, error) {
	id, err := uuid.FromString(c.Subject)
	if err != nil {
		return model.Principal{}, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return model.Principal{ID: id, Email: c.Email}, nil
}

func normalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe organization slug from its display name.
func Slugify(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}
