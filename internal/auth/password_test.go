package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestPasswordVerifierPlain(t *testing.T) {
	verifier, err := NewPasswordVerifier("correct horse", "")
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if err := verifier.Verify("correct horse"); err != nil {
		t.Fatalf("expected match: %v", err)
	}
	if err := verifier.Verify("wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestPasswordVerifierPrefersHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}
	verifier, err := NewPasswordVerifier("plain secret", string(hash))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if err := verifier.Verify("hashed secret"); err != nil {
		t.Fatalf("expected hash match: %v", err)
	}
	if err := verifier.Verify("plain secret"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("plain password must be ignored when a hash is configured")
	}
}

func TestPasswordVerifierRequiresCredential(t *testing.T) {
	if _, err := NewPasswordVerifier("", ""); !errors.Is(err, ErrMissingAdminCredential) {
		t.Fatalf("expected ErrMissingAdminCredential, got %v", err)
	}
	if _, err := NewPasswordVerifier("", "not-a-hash"); err == nil {
		t.Fatalf("expected malformed hash to be rejected")
	}
}
