// Package auth holds the signed-in user's session. The device never verifies
// token signatures (it has no key); it only reads the claims it needs to know
// who is signed in and whether the token has expired. The server remains the
// authority.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/appunture/offlinesync/internal/model"
)

var (
	// ErrNoSession is returned when no user is signed in.
	ErrNoSession = errors.New("not signed in")

	// ErrTokenExpired is returned when the session token is past its expiry.
	ErrTokenExpired = errors.New("session token expired")
)

// expirySkew treats tokens about to expire as already expired.
const expirySkew = 30 * time.Second

// Claims are the backend's access-token claims.
type Claims struct {
	UserID    string `json:"userId,omitempty"`
	AccountID string `json:"id,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// userID prefers the explicit claim and falls back to the subject.
func (c *Claims) userID() string {
	switch {
	case c.UserID != "":
		return c.UserID
	case c.AccountID != "":
		return c.AccountID
	default:
		return c.Subject
	}
}

// Session is safe for concurrent use.
type Session struct {
	mu     sync.RWMutex
	token  string
	claims *Claims
	now    func() time.Time
}

// NewSession returns a signed-out session.
func NewSession() *Session {
	return &Session{now: time.Now}
}

// LoadSession reads a token from path and signs in with it. A missing or
// empty file yields a signed-out session.
func LoadSession(path string) (*Session, error) {
	s := NewSession()
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return s, nil
	}
	if err := s.SignIn(tok); err != nil {
		return nil, err
	}
	return s, nil
}

// SignIn replaces the session with token. The token must be a JWT carrying a
// user id (userId, id, or sub claim).
func (s *Session) SignIn(token string) error {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("parsing session token: %w", err)
	}
	if claims.userID() == "" {
		return errors.New("parsing session token: no user id claim")
	}

	s.mu.Lock()
	s.token, s.claims = token, claims
	s.mu.Unlock()
	return nil
}

// SignOut forgets the current token.
func (s *Session) SignOut() {
	s.mu.Lock()
	s.token, s.claims = "", nil
	s.mu.Unlock()
}

// CurrentUser returns the signed-in user, if any. An expired token still
// identifies the user; queued work keeps its owner.
func (s *Session) CurrentUser() (*model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return nil, false
	}
	return &model.User{
		ID:    s.claims.userID(),
		Email: s.claims.Email,
		Name:  s.claims.Name,
	}, true
}

// ValidToken returns the token if a user is signed in and it has not expired.
func (s *Session) ValidToken(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return "", ErrNoSession
	}
	if exp := s.claims.ExpiresAt; exp != nil && !s.now().Add(expirySkew).Before(exp.Time) {
		return "", fmt.Errorf("%w at %s", ErrTokenExpired, exp.Time.Format(time.RFC3339))
	}
	return s.token, nil
}

// BearerToken is an api.TokenSource: it returns "" without error when signed
// out so public endpoints still work, and fails for an expired token.
func (s *Session) BearerToken(ctx context.Context) (string, error) {
	tok, err := s.ValidToken(ctx)
	if errors.Is(err, ErrNoSession) {
		return "", nil
	}
	return tok, err
}
