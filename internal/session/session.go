// Package session tracks the authenticated user's identity for the engine.
// The owner id is read before every store or network operation; its absence
// means "not authenticated" and operations fail fast rather than run
// owner-less.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stocktide/stocktide/internal/common"
)

// Provider exposes the current owner identity and bearer token.
type Provider interface {
	// OwnerID returns the authenticated user's identifier, or
	// common.ErrNotAuthenticated when no session is active.
	OwnerID() (string, error)

	// Token returns the bearer token for API calls, or
	// common.ErrNotAuthenticated.
	Token() (string, error)
}

// Session is the standard Provider: it holds a JWT and derives the owner id
// from its subject claim. The token is not signature-verified here; the
// backend is the authority and the client only needs the identity for scoping.
type Session struct {
	mu      sync.RWMutex
	token   string
	ownerID string
}

func New() *Session {
	return &Session{}
}

// SetToken installs a bearer token and extracts the owner identity from it.
func (s *Session) SetToken(token string) error {
	ownerID, err := ownerFromToken(token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.ownerID = ownerID
	return nil
}

// Clear ends the session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.ownerID = ""
}

func (s *Session) OwnerID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ownerID == "" {
		return "", common.ErrNotAuthenticated
	}
	return s.ownerID, nil
}

func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", common.ErrNotAuthenticated
	}
	return s.token, nil
}

// Active reports whether a session is currently established.
func (s *Session) Active() bool {
	_, err := s.OwnerID()
	return err == nil
}

func ownerFromToken(token string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrNotAuthenticated, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("%w: token has no subject", common.ErrNotAuthenticated)
	}
	return sub, nil
}

// SaveToken persists the token under path so a restart resumes the session.
func SaveToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("error creating token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("error writing token: %w", err)
	}
	return nil
}

// LoadToken reads a previously saved token. A missing file is not an error;
// it returns an empty token.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error reading token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
