package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("session: invalid config")

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID    string `yaml:"id" json:"id"`
	Email string `yaml:"email,omitempty" json:"email,omitempty"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
}

// State is the persisted client session. Each field is one named key of the session file.
type State struct {
	User         *User  `yaml:"user,omitempty"`
	AuthToken    string `yaml:"authToken,omitempty"`
	Role         string `yaml:"role,omitempty"`
	AuthProvider string `yaml:"authProvider,omitempty"`
}

func (s State) LoggedIn() bool { return s.AuthToken != "" }

func (s State) IsAdmin() bool { return s.Role == RoleAdmin }

// TokenExpired reports whether the auth token's exp claim is at or before now. The token is
// only decoded, never verified: the server is the authority on validity. A token that cannot be
// decoded counts as expired; one without exp never expires.
func (s State) TokenExpired(now time.Time) bool {
	if s.AuthToken == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AuthToken, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return true
	}
	if exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}

// Store keeps a State in a YAML file readable only by the current user.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: missing path", ErrInvalidConfig)
	}
	return &Store{path: path}, nil
}

// DefaultPath is the session file under the user's config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("session: config dir: %w", err)
	}
	return filepath.Join(dir, "liqflow", "session.yaml"), nil
}

func (s *Store) Path() string { return s.path }

// Load returns the stored state. A missing file is an empty session.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("session: read: %w", err)
	}
	var st State
	if err := yaml.Unmarshal(b, &st); err != nil {
		return State{}, fmt.Errorf("session: decode %s: %w", s.path, err)
	}
	return st, nil
}

func (s *Store) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("session: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.yaml")
	if err != nil {
		return fmt.Errorf("session: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("session: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("session: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("session: rename: %w", err)
	}
	return nil
}

// Clear removes every key of the session.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}
