package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateParse(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := Generate(secret, "operator", "h1", "plan-1", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(secret, tok, "h1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "operator" || claims.Plan != "plan-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := Parse(secret, tok, "h2"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
	if _, err := Parse([]byte("other"), tok, "h1"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected wrong secret to be rejected, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := Generate(secret, "operator", "h1", "", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(secret, tok, "h1"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestNoSecret(t *testing.T) {
	if _, err := Generate(nil, "operator", "h1", "", time.Minute); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}
