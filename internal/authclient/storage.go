package authclient

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/and161185/propcare/internal/model"
	"github.com/gofrs/uuid/v5"
)

// Storage is the primary persistence of the auth client.
type Storage interface {
	// Load returns the stored session, or nil when nothing is stored.
	Load() (*model.Session, error)
	// Save replaces the stored session.
	Save(s *model.Session) error
	// Clear removes the stored session.
	Clear() error
}

type sessionFile struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       uuid.UUID `json:"user_id"`
	Email        string    `json:"email"`
}

// FileStorage keeps the session as JSON in dir/session.json (0600).
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage returns storage rooted at dir.
func NewFileStorage(dir string) *FileStorage { return &FileStorage{dir: dir} }

// Path returns the session file location.
func (f *FileStorage) Path() string { return filepath.Join(f.dir, "session.json") }

// Load reads the session file. A missing file is not an error.
func (f *FileStorage) Load() (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sf sessionFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.AccessToken == "" {
		return nil, nil
	}
	return &model.Session{
		AccessToken:  sf.AccessToken,
		RefreshToken: sf.RefreshToken,
		ExpiresAt:    sf.ExpiresAt,
		User:         model.Principal{ID: sf.UserID, Email: sf.Email},
	}, nil
}

// Save writes the session file atomically.
func (f *FileStorage) Save(s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sessionFile{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
		UserID:       s.User.ID,
		Email:        s.User.Email,
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.Path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path())
}

// Clear deletes the session file.
func (f *FileStorage) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryStorage is a Storage kept in process memory.
type MemoryStorage struct {
	mu sync.Mutex
	s  *model.Session
}

func (m *MemoryStorage) Load() (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s == nil {
		return nil, nil
	}
	c := *m.s
	return &c, nil
}

func (m *MemoryStorage) Save(s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.s = &c
	return nil
}

func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = nil
	return nil
}
