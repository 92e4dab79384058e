package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-0123456789"

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testSecret, "test-issuer")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestGenerateAndValidate(t *testing.T) {
	s := newTestSigner(t)
	token, expires, err := s.GenerateToken("user-42", []string{"Admin", "member", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiration, got %v", expires)
	}

	claims, err := s.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, RoleAdmin) || !slices.Contains(claims.Roles, RoleMember) {
		t.Fatalf("roles were not normalised: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatalf("expected token id")
	}
}

func TestParseRejects(t *testing.T) {
	s := newTestSigner(t)
	other, err := NewSigner("another-secret-9876543210", "test-issuer")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	foreignIssuer, err := NewSigner(testSecret, "someone-else")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	wrongKey, _, _ := other.GenerateToken("u1", nil, time.Minute)
	wrongIss, _, _ := foreignIssuer.GenerateToken("u1", nil, time.Minute)

	past := newTestSigner(t)
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, _ := past.GenerateToken("u1", nil, time.Minute)

	ahead := newTestSigner(t)
	ahead.now = func() time.Time { return time.Now().Add(time.Hour) }
	future, _, _ := ahead.GenerateToken("u1", nil, 2*time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: "test-issuer"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"empty":     "",
		"garbage":   "not.a.jwt",
		"wrong key": wrongKey,
		"wrong iss": wrongIss,
		"expired":   expired,
		"future":    future,
		"alg none":  unsigned,
	} {
		if _, err := s.ParseAndValidate(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewSignerValidatesSecret(t *testing.T) {
	if _, err := NewSigner("", ""); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
	if _, err := NewSigner("short", ""); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
	if _, _, err := newTestSigner(t).GenerateToken(" ", nil, time.Minute); err == nil {
		t.Fatalf("expected empty user to be rejected")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserIDFromContext(ctx); ok {
		t.Fatalf("expected no user on empty context")
	}
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "member"})

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %q", id)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 || roles[0] != "admin" || roles[1] != "member" {
		t.Fatalf("unexpected roles: %v", roles)
	}
	if !HasRole(ctx, "ADMIN") {
		t.Fatalf("expected admin role")
	}
	if HasRole(ctx, "viewer") {
		t.Fatalf("unexpected role")
	}
}
