// Package auth issues, verifies, refreshes and revokes admin session tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/access"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// TokenTypeAccess marks short-lived tokens accepted by admin endpoints.
	TokenTypeAccess = "access"
	// TokenTypeRefresh marks long-lived tokens accepted only by Refresh.
	TokenTypeRefresh = "refresh"

	bearerTokenType   = "Bearer"
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 24 * time.Hour
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrTokenExpired         = errors.New("auth: token expired")
	ErrSessionNotFound      = errors.New("SESSION_NOT_FOUND")
	ErrSessionExpired       = errors.New("auth: session expired")
	ErrWrongTokenType       = errors.New("auth: wrong token type")
	ErrIPMismatch           = errors.New("auth: ip mismatch")
)

// AdminClaims is the JWT payload of both token kinds.
type AdminClaims struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	IP        string `json:"ip"`
	jwt.RegisteredClaims
}

// Session is a process-local admin login.
type Session struct {
	ID           string
	IP           string
	UserAgent    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// TokenPair is returned by Login.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// AccessGrant is returned by Refresh.
type AccessGrant struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	TokenType   string `json:"tokenType"`
}

// TokenServiceConfig configures the admin token service.
type TokenServiceConfig struct {
	SigningSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// AllowPrivateIPDrift accepts a different caller IP when both addresses are private or loopback.
	AllowPrivateIPDrift bool
	Clock               clockwork.Clock
}

// TokenService owns the admin sessions and signs their tokens. Safe for concurrent use.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	allowDrift bool
	clock      clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTokenService constructs the token service with defaults for missing TTLs.
func NewTokenService(cfg TokenServiceConfig) (*TokenService, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenService{
		secret:     append([]byte(nil), cfg.SigningSecret...),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		allowDrift: cfg.AllowPrivateIPDrift,
		clock:      clock,
		sessions:   make(map[string]*Session),
	}, nil
}

// Login opens a session bound to ip and issues both tokens.
func (s *TokenService) Login(ip, userAgent string) (TokenPair, error) {
	now := s.clock.Now().UTC()
	sessionID, err := uuid.NewRandom()
	if err != nil {
		return TokenPair{}, err
	}
	session := &Session{
		ID:           sessionID.String(),
		IP:           access.Normalize(ip),
		UserAgent:    userAgent,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.refreshTTL),
		LastActivity: now,
	}
	accessToken, err := s.sign(TokenTypeAccess, session.ID, session.IP, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := s.sign(TokenTypeRefresh, session.ID, session.IP, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTTL / time.Second),
		TokenType:    bearerTokenType,
	}, nil
}

// Verify checks an access token presented from ip and touches its session.
func (s *TokenService) Verify(token, ip string) (AdminClaims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return AdminClaims{}, err
	}
	now := s.clock.Now()
	session, err := s.liveSession(claims.SessionID, now)
	if err != nil {
		return AdminClaims{}, err
	}
	if claims.Type != TokenTypeAccess {
		return AdminClaims{}, ErrWrongTokenType
	}
	if !s.ipMatches(claims.IP, ip) {
		return AdminClaims{}, ErrIPMismatch
	}

	s.mu.Lock()
	session.LastActivity = now.UTC()
	s.mu.Unlock()
	return claims, nil
}

// Refresh exchanges a refresh token presented from ip for a new access token of the same session.
func (s *TokenService) Refresh(token, ip string) (AccessGrant, error) {
	claims, err := s.parse(token)
	if err != nil {
		return AccessGrant{}, err
	}
	if claims.Type != TokenTypeRefresh {
		return AccessGrant{}, ErrWrongTokenType
	}
	now := s.clock.Now().UTC()
	session, err := s.liveSession(claims.SessionID, now)
	if err != nil {
		return AccessGrant{}, err
	}
	if !s.ipMatches(claims.IP, ip) {
		return AccessGrant{}, ErrIPMismatch
	}
	accessToken, err := s.sign(TokenTypeAccess, claims.SessionID, claims.IP, now, s.accessTTL)
	if err != nil {
		return AccessGrant{}, err
	}

	s.mu.Lock()
	session.LastActivity = now
	s.mu.Unlock()

	return AccessGrant{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.accessTTL / time.Second),
		TokenType:   bearerTokenType,
	}, nil
}

// Revoke deletes the session named by the token without verifying it, so expired tokens still log out.
func (s *TokenService) Revoke(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	claims := &AdminClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.SessionID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[claims.SessionID]; !ok {
		return false
	}
	delete(s.sessions, claims.SessionID)
	return true
}

// Sweep deletes expired sessions and returns how many were removed.
func (s *TokenService) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Session returns a copy of the session with the given id.
func (s *TokenService) Session(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// SessionCount returns the number of tracked sessions.
func (s *TokenService) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *TokenService) sign(tokenType, sessionID, ip string, now time.Time, ttl time.Duration) (string, error) {
	claims := AdminClaims{
		Type:      tokenType,
		SessionID: sessionID,
		IP:        ip,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *TokenService) parse(tokenString string) (AdminClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AdminClaims{}, ErrMissingToken
	}
	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AdminClaims{}, ErrTokenExpired
		}
		return AdminClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid || claims.SessionID == "" {
		return AdminClaims{}, ErrInvalidToken
	}
	return *claims, nil
}

func (s *TokenService) liveSession(id string, now time.Time) (*Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !now.Before(session.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, ErrSessionExpired
	}
	return session, nil
}

func (s *TokenService) ipMatches(tokenIP, requestIP string) bool {
	tokenIP = access.Normalize(tokenIP)
	requestIP = access.Normalize(requestIP)
	if tokenIP == requestIP {
		return true
	}
	return s.allowDrift && access.IsPrivate(tokenIP) && access.IsPrivate(requestIP)
}
