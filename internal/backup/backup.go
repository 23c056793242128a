// Package backup keeps a second copy of the session outside primary storage so
// a session can be recovered when primary storage lags or was wiped.
package backup

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgcrypto "github.com/and161185/propcare/internal/crypto"
	"github.com/and161185/propcare/internal/model"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Channel is a best-effort session backup. Implementations never return errors.
type Channel interface {
	// Backup overwrites any previous snapshot. It reports whether the write succeeded.
	Backup(s *model.Session) bool
	// Restore returns the stored snapshot, or nil when absent, unreadable or expired.
	Restore() *model.Session
	// Clear drops the snapshot.
	Clear()
}

// CookieName is the name of the backup cookie.
const CookieName = "propcare-session"

var aad = []byte(CookieName)

type snapshot struct {
	AccessToken  string    `json:"a"`
	RefreshToken string    `json:"r"`
	ExpiresAt    time.Time `json:"e"`
	UserID       uuid.UUID `json:"u"`
	Email        string    `json:"m"`
}

// CookieChannel stores a sealed snapshot as a Set-Cookie line in a jar file.
// The cookie Max-Age is bound to the session expiry.
type CookieChannel struct {
	path   string
	sealer *pkgcrypto.Sealer
	log    *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewCookieChannel returns a channel writing to dir/backup.cookie.
func NewCookieChannel(dir string, sealer *pkgcrypto.Sealer, log *zap.Logger) *CookieChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &CookieChannel{
		path:   filepath.Join(dir, "backup.cookie"),
		sealer: sealer,
		log:    log.Named("backup"),
		now:    time.Now,
	}
}

// Path returns the jar file location.
func (c *CookieChannel) Path() string { return c.path }

func (c *CookieChannel) Backup(s *model.Session) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	line, err := c.encode(s)
	if err != nil {
		c.log.Warn("backup encode", zap.Error(err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		c.log.Warn("backup write", zap.Error(err))
		return false
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line+"\n"), 0o600); err != nil {
		c.log.Warn("backup write", zap.Error(err))
		return false
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.log.Warn("backup write", zap.Error(err))
		return false
	}
	return true
}

func (c *CookieChannel) Restore() *model.Session {
	c.mu.Lock()
	b, err := os.ReadFile(c.path)
	c.mu.Unlock()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("backup read", zap.Error(err))
		}
		return nil
	}
	s, err := c.decode(strings.TrimSpace(string(b)))
	if err != nil {
		c.log.Warn("backup unreadable", zap.Error(err))
		return nil
	}
	if !s.Valid(c.now()) {
		return nil
	}
	return s
}

func (c *CookieChannel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("backup clear", zap.Error(err))
	}
}

func (c *CookieChannel) encode(s *model.Session) (string, error) {
	pt, err := json.Marshal(snapshot{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
		UserID:       s.User.ID,
		Email:        s.User.Email,
	})
	if err != nil {
		return "", err
	}
	sealed, err := c.sealer.Seal(pt, aad)
	if err != nil {
		return "", err
	}
	now := c.now()
	maxAge := int(s.ExpiresAt.Sub(now) / time.Second)
	if maxAge <= 0 {
		maxAge = -1
	}
	ck := &http.Cookie{
		Name:     CookieName,
		Value:    base64.RawURLEncoding.EncodeToString(sealed),
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  s.ExpiresAt.UTC(),
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	if err := ck.Valid(); err != nil {
		return "", err
	}
	return ck.String(), nil
}

func (c *CookieChannel) decode(line string) (*model.Session, error) {
	ck, err := http.ParseSetCookie(line)
	if err != nil {
		return nil, err
	}
	if ck.Name != CookieName {
		return nil, fmt.Errorf("unexpected cookie %q", ck.Name)
	}
	if ck.MaxAge < 0 || (!ck.Expires.IsZero() && !c.now().Before(ck.Expires)) {
		return nil, errors.New("cookie expired")
	}
	sealed, err := base64.RawURLEncoding.DecodeString(ck.Value)
	if err != nil {
		return nil, err
	}
	pt, err := c.sealer.Open(sealed, aad)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(pt, &snap); err != nil {
		return nil, err
	}
	return &model.Session{
		AccessToken:  snap.AccessToken,
		RefreshToken: snap.RefreshToken,
		ExpiresAt:    snap.ExpiresAt,
		User:         model.Principal{ID: snap.UserID, Email: snap.Email},
	}, nil
}

// Memory is a Channel held in process memory.
type Memory struct {
	mu  sync.Mutex
	s   *model.Session
	now func() time.Time
}

// NewMemory returns an empty in-memory channel.
func NewMemory() *Memory { return &Memory{now: time.Now} }

func (m *Memory) Backup(s *model.Session) bool {
	if s == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.s = &c
	return true
}

func (m *Memory) Restore() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.s.Valid(m.now()) {
		return nil
	}
	c := *m.s
	return &c
}

func (m *Memory) Clear() {
	m.mu.Lock()
	m.s = nil
	m.mu.Unlock()
}
