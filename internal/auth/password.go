package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingAdminCredential = errors.New("auth: admin password or password hash required")
	ErrInvalidPassword        = errors.New("auth: invalid password")
)

// PasswordVerifier checks the admin login password against a bcrypt hash or a plain secret.
type PasswordVerifier struct {
	hash  []byte
	plain []byte
}

// NewPasswordVerifier prefers the bcrypt hash when both are configured.
func NewPasswordVerifier(plain, hash string) (*PasswordVerifier, error) {
	hash = strings.TrimSpace(hash)
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, err
		}
		return &PasswordVerifier{hash: []byte(hash)}, nil
	}
	if plain == "" {
		return nil, ErrMissingAdminCredential
	}
	return &PasswordVerifier{plain: []byte(plain)}, nil
}

// Verify returns ErrInvalidPassword unless candidate matches.
func (v *PasswordVerifier) Verify(candidate string) error {
	if len(v.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(candidate)); err != nil {
			return ErrInvalidPassword
		}
		return nil
	}
	if subtle.ConstantTimeCompare(v.plain, []byte(candidate)) != 1 {
		return ErrInvalidPassword
	}
	return nil
}
