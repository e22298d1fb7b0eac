package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return tok
}

func TestSignIn_CurrentUser(t *testing.T) {
	s := NewSession()
	if _, ok := s.CurrentUser(); ok {
		t.Fatal("new session has a user")
	}

	tok := signToken(t, jwt.MapClaims{
		"userId": "u-1",
		"email":  "ana@example.com",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	if err := s.SignIn(tok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, ok := s.CurrentUser()
	if !ok {
		t.Fatal("CurrentUser reported signed out")
	}
	if u.ID != "u-1" || u.Email != "ana@example.com" {
		t.Errorf("user = %+v", u)
	}

	got, err := s.ValidToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != tok {
		t.Error("ValidToken returned a different token")
	}
}

func TestSignIn_SubjectFallback(t *testing.T) {
	s := NewSession()
	if err := s.SignIn(signToken(t, jwt.MapClaims{"sub": "u-9"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u, _ := s.CurrentUser(); u.ID != "u-9" {
		t.Errorf("user id = %q, want u-9", u.ID)
	}
}

func TestSignIn_Rejects(t *testing.T) {
	s := NewSession()
	if err := s.SignIn("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
	if err := s.SignIn(signToken(t, jwt.MapClaims{"email": "x@example.com"})); err == nil {
		t.Error("expected error for token without user id")
	}
}

func TestValidToken_Expired(t *testing.T) {
	s := NewSession()
	tok := signToken(t, jwt.MapClaims{"userId": "u-1", "exp": time.Now().Add(time.Hour).Unix()})
	if err := s.SignIn(tok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := s.ValidToken(context.Background()); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
	if _, err := s.BearerToken(context.Background()); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("BearerToken err = %v, want ErrTokenExpired", err)
	}
	// The user is still known so queued work keeps its owner.
	if _, ok := s.CurrentUser(); !ok {
		t.Error("expired session lost its user")
	}
}

func TestSignOut(t *testing.T) {
	s := NewSession()
	_ = s.SignIn(signToken(t, jwt.MapClaims{"userId": "u-1"}))
	s.SignOut()

	if _, err := s.ValidToken(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
	tok, err := s.BearerToken(context.Background())
	if err != nil || tok != "" {
		t.Errorf("BearerToken = (%q, %v), want empty and nil", tok, err)
	}
}

func TestLoadSession(t *testing.T) {
	dir := t.TempDir()

	s, err := LoadSession(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.CurrentUser(); ok {
		t.Error("missing token file produced a user")
	}

	path := filepath.Join(dir, "token")
	tok := signToken(t, jwt.MapClaims{"userId": "u-2"})
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err = LoadSession(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u, ok := s.CurrentUser(); !ok || u.ID != "u-2" {
		t.Errorf("user = %+v, %v", u, ok)
	}
}
