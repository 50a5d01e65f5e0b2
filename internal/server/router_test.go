package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/access"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/admin"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/auth"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/credentials"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/ledger"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/limits"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/registry"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/relay"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/streams"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testAdminPassword = "correct horse battery staple"

type testEnvironment struct {
	handler    http.Handler
	relay      *relay.Handler
	streams    *streams.Service
	realtime   *StreamDispatcher
	registry   *registry.Registry
	tokens     *auth.TokenService
	admissions *limits.Admission
}

type environmentOptions struct {
	whitelist []string
	heartbeat time.Duration
}

func newTestEnvironment(t *testing.T, options environmentOptions) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&credentials.APIKey{}, &streams.Record{}, &ledger.Connection{}, &ledger.GameTypeUsage{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := clockwork.NewRealClock()
	keyService, err := credentials.NewService(credentials.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build credential store: %v", err)
	}
	streamService, err := streams.NewService(streams.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build stream store: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}

	connections := registry.New()
	admissions := limits.NewAdmission(100, 10)
	updates := limits.NewUpdateLimiter(60, time.Minute, clock)
	dispatcher := NewStreamDispatcher()
	relayHandler, err := relay.NewHandler(relay.Config{}, relay.Dependencies{
		Credentials: keyService,
		Ledger:      ledgerService,
		Streams:     streamService,
		Registry:    connections,
		Admission:   admissions,
		Updates:     updates,
		Publisher:   dispatcher,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to build relay: %v", err)
	}
	t.Cleanup(relayHandler.Shutdown)

	adminService, err := admin.NewService(admin.ServiceConfig{
		Credentials: keyService,
		Ledger:      ledgerService,
		Registry:    connections,
		Updates:     updates,
	})
	if err != nil {
		t.Fatalf("failed to build admin service: %v", err)
	}
	tokens, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret:       []byte("server-test-secret"),
		AllowPrivateIPDrift: true,
		Clock:               clock,
	})
	if err != nil {
		t.Fatalf("failed to build token service: %v", err)
	}
	passwords, err := auth.NewPasswordVerifier(testAdminPassword, "")
	if err != nil {
		t.Fatalf("failed to build password verifier: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Relay:             relayHandler,
		Streams:           streamService,
		Realtime:          dispatcher,
		Admin:             adminService,
		Tokens:            tokens,
		Passwords:         passwords,
		LoginLimiter:      limits.NewLoginLimiter(5, 15*time.Minute, clock),
		Whitelist:         access.NewWhitelist(access.WhitelistConfig{Entries: options.whitelist}),
		Sockets:           admissions.Global(),
		HeartbeatInterval: options.heartbeat,
		Clock:             clock,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testEnvironment{
		handler:    handler,
		relay:      relayHandler,
		streams:    streamService,
		realtime:   dispatcher,
		registry:   connections,
		tokens:     tokens,
		admissions: admissions,
	}
}

type requestOptions struct {
	body         any
	bearer       string
	forwardedFor string
}

func (e *testEnvironment) do(t *testing.T, method, path string, options requestOptions) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if options.body != nil {
		encoded, err := json.Marshal(options.body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, body)
	if options.body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if options.bearer != "" {
		request.Header.Set("Authorization", "Bearer "+options.bearer)
	}
	if options.forwardedFor != "" {
		request.Header.Set("X-Forwarded-For", options.forwardedFor)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func (e *testEnvironment) login(t *testing.T, forwardedFor string) auth.TokenPair {
	t.Helper()
	recorder := e.do(t, http.MethodPost, "/api/admin/login", requestOptions{
		body:         map[string]string{"password": testAdminPassword},
		forwardedFor: forwardedFor,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected login to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var tokens auth.TokenPair
	if err := json.Unmarshal(recorder.Body.Bytes(), &tokens); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.TokenType != "Bearer" {
		t.Fatalf("unexpected login payload %#v", tokens)
	}
	return tokens
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingRelay {
		t.Fatalf("expected missing relay error, got %v", err)
	}
}

func TestHealthReportsClientIPAndWhitelist(t *testing.T) {
	env := newTestEnvironment(t, environmentOptions{whitelist: []string{"203.0.113.0/24"}})

	recorder := env.do(t, http.MethodGet, "/health", requestOptions{forwardedFor: "203.0.113.9, 10.0.0.1"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload healthPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode health payload: %v", err)
	}
	if payload.Status != "ok" || payload.ClientIP != "203.0.113.9" {
		t.Fatalf("unexpected health payload %#v", payload)
	}
	if !payload.Whitelist.Enabled || len(payload.Whitelist.Entries) != 1 {
		t.Fatalf("expected whitelist details, got %#v", payload.Whitelist)
	}
}

func TestLoginDeniedOutsideWhitelist(t *testing.T) {
	env := newTestEnvironment(t, environmentOptions{whitelist: []string{"10.0.0.0/8"}})

	recorder := env.do(t, http.MethodPost, "/api/admin/login", requestOptions{
		body: map[string]string{"password": testAdminPassword},
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}

	allowed := env.do(t, http.MethodPost, "/api/admin/login", requestOptions{
		body:         map[string]string{"password": testAdminPassword},
		forwardedFor: "10.1.2.3",
	})
	if allowed.Code != http.StatusOK {
		t.Fatalf("expected whitelisted login to succeed, got %d", allowed.Code)
	}
}

func TestLoginRateLimitedAfterFiveAttempts(t *testing.T) {
	env := newTestEnvironment(t, environmentOptions{})

	for attempt := 1; attempt <= 5; attempt++ {
		recorder := env.do(t, http.MethodPost, "/api/admin/login", requestOptions{
			body: map[string]string{"password": "wrong"},
		})
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", attempt, recorder.Code)
		}
	}
	recorder := env.do(t, http.MethodPost, "/api/admin/login", requestOptions{
		body: map[string]string{"password": testAdminPassword},
	})
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after five attempts, got %d", recorder.Code)
	}
}

func TestLoginRejectsMissingPassword(t *testing.T) {
	env := newTestEnvironment(t, environmentOptions{})
	recorder := env.do(t, http.MethodPost, "/api/admin/login", requestOptions{body: map[string]string{}})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestAdminSessionLifecycle(t *testing.T) {
	env := newTestEnvironment(t, environmentOptions{})
	tokens := env.login(t, "")

	stats := env.do(t, http.MethodGet, "/api/admin/stats", requestOptions{bearer: tokens.AccessToken})
	if stats.Code != http.StatusOK {
		t.Fatalf("expected stats to succeed, got %d", stats.Code)
	}

	refreshed := env.do(t, http.MethodPost, "/api/admin/refresh", requestOptions{
		body: map[string]string{"refreshToken": tokens.RefreshToken},
	})
	if refreshed.Code != http.StatusOK {
		t.Fatalf("expected refresh to succeed, got %d", refreshed.Code)
	}
	if token, _ := decodeBody(t, refreshed)["accessToken"].(string); token == "" {
		t.Fatalf("expected a new access token")
	}

	refreshAsAccess := env.do(t, http.MethodGet, "/api/admin/stats", requestOptions{bearer: tokens.RefreshToken})
	if refreshAsAccess.Code != http.StatusUnauthorized {
		t.Fatalf("expected refresh token to be refused on admin routes, got %d", refreshAsAccess.Code)
	}

	logout := env.do(t, http.MethodPost, "/api/admin/logout", requestOptions{bearer: tokens.AccessToken})
	if logout.Code != http.StatusOK || decodeBody(t, logout)["revoked"] != true {
		t.Fatalf("expected logout to revoke the session, got %d %s", logout.Code, logout.Body.String())
	}

	afterLogout := env.do(t, http.MethodGet, "/api/admin/stats", requestOptions{bearer: tokens.AccessToken})
	if afterLogout.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", afterLogout.Code)
	}
	if code := decodeBody(t, afterLogout)["code"]; code != "SESSION_NOT_FOUND" {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", code)
	}
}

func TestAccessTokenBoundToPublicAddress(t *testing.T) {
	env := newTestEnvironment(t, environmentOptions{})
	tokens := env.login(t, "203.0.113.5")

	recorder := env.do(t, http.MethodGet, "/api/admin/stats", requestOptions{
		bearer:       tokens.AccessToken,
		forwardedFor: "198.51.100.7",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign address, got %d", recorder.Code)
	}
	if code := decodeBody(t, recorder)["code"]; code != "IP_MISMATCH" {
		t.Fatalf("expected IP_MISMATCH, got %v", code)
	}
}

func TestAdminRoutesRequireBearer(t *testing.T) {
	env := newTestEnvironment(t, environmentOptions{})
	for _, path := range []string{"/api/admin/block", "/api/admin/unblock", "/api/admin/clear", "/api/admin/delete"} {
		recorder := env.do(t, http.MethodPost, path, requestOptions{body: map[string]string{"apiKey": "abcdef0123456789"}})
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, recorder.Code)
		}
	}
	if recorder := env.do(t, http.MethodPost, "/api/admin/logout", requestOptions{}); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected logout without bearer to fail, got %d", recorder.Code)
	}
}

func TestKeyActions(t *testing.T) {
	env := newTestEnvironment(t, environmentOptions{})
	tokens := env.login(t, "")

	missing := env.do(t, http.MethodPost, "/api/admin/block", requestOptions{bearer: tokens.AccessToken, body: map[string]string{}})
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without apiKey, got %d", missing.Code)
	}

	blocked := env.do(t, http.MethodPost, "/api/admin/block", requestOptions{
		bearer: tokens.AccessToken,
		body:   map[string]string{"apiKey": "abcdef0123456789", "reason": "spam"},
	})
	if blocked.Code != http.StatusOK {
		t.Fatalf("expected block to succeed, got %d", blocked.Code)
	}

	stats := env.do(t, http.MethodGet, "/api/admin/stats?search=ABCDEF", requestOptions{bearer: tokens.AccessToken})
	if stats.Code != http.StatusOK {
		t.Fatalf("expected stats to succeed, got %d", stats.Code)
	}
	var report struct {
		Keys []struct {
			APIKey        string `json:"apiKey"`
			Status        string `json:"status"`
			BlockedReason string `json:"blockedReason"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(stats.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if len(report.Keys) != 1 || report.Keys[0].Status != "blocked" || report.Keys[0].BlockedReason != "spam" {
		t.Fatalf("unexpected stats rows %#v", report.Keys)
	}

	for _, path := range []string{"/api/admin/unblock", "/api/admin/clear", "/api/admin/delete"} {
		recorder := env.do(t, http.MethodPost, path, requestOptions{
			bearer: tokens.AccessToken,
			body:   map[string]string{"apiKey": "abcdef0123456789"},
		})
		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, recorder.Code)
		}
	}
}

func TestGetUnknownStreamReturnsNotFound(t *testing.T) {
	env := newTestEnvironment(t, environmentOptions{})

	recorder := env.do(t, http.MethodGet, "/api/streams/abcdef0123456789", requestOptions{})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}

	list := env.do(t, http.MethodGet, "/api/streams", requestOptions{})
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}
	if count := decodeBody(t, list)["count"]; count != float64(0) {
		t.Fatalf("expected no streams, got %v", count)
	}
}
