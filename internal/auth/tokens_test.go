package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

const testSecret = "unit-test-secret"

func newTestTokenService(t *testing.T, allowDrift bool) (*TokenService, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	service, err := NewTokenService(TokenServiceConfig{
		SigningSecret:       []byte(testSecret),
		AccessTTL:           time.Hour,
		RefreshTTL:          24 * time.Hour,
		AllowPrivateIPDrift: allowDrift,
		Clock:               clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return service, clock
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	if _, err := NewTokenService(TokenServiceConfig{}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
}

func TestLoginIssuesTypedTokens(t *testing.T) {
	service, _ := newTestTokenService(t, true)

	pair, err := service.Login("203.0.113.9", "dashboard")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if pair.TokenType != "Bearer" || pair.ExpiresIn != 3600 {
		t.Fatalf("unexpected token pair metadata: %#v", pair)
	}

	claims := &AdminClaims{}
	if _, err := jwt.ParseWithClaims(pair.RefreshToken, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	}, jwt.WithoutClaimsValidation()); err != nil {
		t.Fatalf("failed to parse refresh token: %v", err)
	}
	if claims.Type != TokenTypeRefresh || claims.IP != "203.0.113.9" || claims.SessionID == "" {
		t.Fatalf("unexpected refresh claims: %#v", claims)
	}
	session, ok := service.Session(claims.SessionID)
	if !ok {
		t.Fatalf("expected session to be tracked")
	}
	if session.UserAgent != "dashboard" || !session.ExpiresAt.Equal(session.CreatedAt.Add(24*time.Hour)) {
		t.Fatalf("unexpected session: %#v", session)
	}
}

func TestAccessTokenLifetime(t *testing.T) {
	service, clock := newTestTokenService(t, true)
	pair, err := service.Login("203.0.113.9", "dashboard")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	clock.Advance(59 * time.Minute)
	if _, err := service.Verify(pair.AccessToken, "203.0.113.9"); err != nil {
		t.Fatalf("expected token to be valid at t+59m: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := service.Verify(pair.AccessToken, "203.0.113.9"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired at t+61m, got %v", err)
	}
}

func TestVerifyRejectsRefreshTokenAndForeignIP(t *testing.T) {
	service, _ := newTestTokenService(t, true)
	pair, err := service.Login("203.0.113.9", "dashboard")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if _, err := service.Verify(pair.RefreshToken, "203.0.113.9"); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected ErrWrongTokenType, got %v", err)
	}
	if _, err := service.Verify(pair.AccessToken, "198.51.100.1"); !errors.Is(err, ErrIPMismatch) {
		t.Fatalf("expected ErrIPMismatch, got %v", err)
	}
	if _, err := service.Verify("not-a-token", "203.0.113.9"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyReportsPrunedSession(t *testing.T) {
	service, _ := newTestTokenService(t, true)
	pair, err := service.Login("203.0.113.9", "dashboard")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !service.Revoke(pair.AccessToken) {
		t.Fatalf("expected revoke to delete the session")
	}
	if _, err := service.Verify(pair.AccessToken, "203.0.113.9"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRefreshIPPolicy(t *testing.T) {
	service, _ := newTestTokenService(t, true)

	public, err := service.Login("203.0.113.9", "dashboard")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := service.Refresh(public.RefreshToken, "198.51.100.1"); !errors.Is(err, ErrIPMismatch) {
		t.Fatalf("expected ErrIPMismatch for differing public addresses, got %v", err)
	}
	if _, err := service.Refresh(public.AccessToken, "203.0.113.9"); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected ErrWrongTokenType, got %v", err)
	}

	private, err := service.Login("10.0.0.5", "dashboard")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	grant, err := service.Refresh(private.RefreshToken, "127.0.0.1")
	if err != nil {
		t.Fatalf("expected private drift to be accepted: %v", err)
	}
	claims, err := service.Verify(grant.AccessToken, "10.0.0.5")
	if err != nil {
		t.Fatalf("refreshed token should verify from the original address: %v", err)
	}
	if claims.IP != "10.0.0.5" || claims.Type != TokenTypeAccess {
		t.Fatalf("refreshed token must keep the embedded ip, got %#v", claims)
	}
}

func TestRefreshWithoutPrivateDrift(t *testing.T) {
	service, _ := newTestTokenService(t, false)
	pair, err := service.Login("10.0.0.5", "dashboard")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := service.Refresh(pair.RefreshToken, "10.0.0.6"); !errors.Is(err, ErrIPMismatch) {
		t.Fatalf("expected ErrIPMismatch with drift disabled, got %v", err)
	}
}

func TestRevokeAcceptsExpiredTokens(t *testing.T) {
	service, clock := newTestTokenService(t, true)
	pair, err := service.Login("203.0.113.9", "dashboard")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if !service.Revoke(pair.AccessToken) {
		t.Fatalf("expected expired token to revoke its session")
	}
	if service.SessionCount() != 0 {
		t.Fatalf("expected no sessions after revoke")
	}
	if service.Revoke("garbage") {
		t.Fatalf("garbage token must not revoke anything")
	}
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	service, clock := newTestTokenService(t, true)
	if _, err := service.Login("203.0.113.9", "a"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	clock.Advance(12 * time.Hour)
	if _, err := service.Login("203.0.113.9", "b"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	clock.Advance(13 * time.Hour)

	if removed := service.Sweep(); removed != 1 {
		t.Fatalf("expected one expired session to be swept, got %d", removed)
	}
	if service.SessionCount() != 1 {
		t.Fatalf("expected the newer session to remain")
	}
}
