package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/access"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/admin"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/analytics"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/apperrors"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/auth"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/streams"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	adminSessionContextKey   = "cuerelay_admin_session"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingRelay         = errors.New("relay handler dependency required")
	errMissingStreams       = errors.New("stream reader dependency required")
	errMissingRealtime      = errors.New("stream dispatcher dependency required")
	errMissingAdminService  = errors.New("admin service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingPasswords     = errors.New("password verifier dependency required")
	errMissingLoginLimiter  = errors.New("login limiter dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
	errUnsupportedStreaming = errors.New("response writer does not support streaming")
)

// SocketServer runs one broadcaster socket per request.
type SocketServer interface {
	ServeSocket(w http.ResponseWriter, r *http.Request, clientIP string)
}

// StreamReader serves active scoreboard snapshots.
type StreamReader interface {
	ListActive(ctx context.Context) ([]streams.Snapshot, error)
	GetActive(ctx context.Context, apiKey string) (streams.Snapshot, error)
}

// AdminService exposes statistics and key moderation.
type AdminService interface {
	Stats(ctx context.Context, search string) (analytics.Report, error)
	Block(ctx context.Context, apiKey, reason string) (admin.ActionResult, error)
	Unblock(ctx context.Context, apiKey string) (admin.ActionResult, error)
	Clear(ctx context.Context, apiKey string) (admin.ActionResult, error)
	Delete(ctx context.Context, apiKey string) (admin.ActionResult, error)
}

// TokenManager issues and checks admin tokens.
type TokenManager interface {
	Login(ip, userAgent string) (auth.TokenPair, error)
	Verify(token, ip string) (auth.AdminClaims, error)
	Refresh(token, ip string) (auth.AccessGrant, error)
	Revoke(token string) bool
}

// PasswordChecker validates the admin password.
type PasswordChecker interface {
	Verify(candidate string) error
}

// LoginLimiter throttles login attempts per address.
type LoginLimiter interface {
	Allow(ip string) bool
}

// LoginWhitelist restricts which addresses may log in.
type LoginWhitelist interface {
	Enabled() bool
	Entries() []string
	Allowed(ctx context.Context, ip string) bool
}

// SocketCounter reports the number of admitted sockets.
type SocketCounter interface {
	Current() int64
}

// Dependencies are the collaborators of the HTTP handler.
type Dependencies struct {
	Relay              SocketServer
	Streams            StreamReader
	Realtime           *StreamDispatcher
	Admin              AdminService
	Tokens             TokenManager
	Passwords          PasswordChecker
	LoginLimiter       LoginLimiter
	Whitelist          LoginWhitelist
	Sockets            SocketCounter
	Metrics            *metrics.AdminMetrics
	MetricsHandler     http.Handler
	TrustedProxyHeader string
	AllowedOrigins     []string
	HeartbeatInterval  time.Duration
	Clock              clockwork.Clock
	Logger             *zap.Logger
	Audit              *zap.Logger
}

// NewHTTPHandler wires the public, relay and admin routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Relay == nil:
		return nil, errMissingRelay
	case deps.Streams == nil:
		return nil, errMissingStreams
	case deps.Realtime == nil:
		return nil, errMissingRealtime
	case deps.Admin == nil:
		return nil, errMissingAdminService
	case deps.Tokens == nil:
		return nil, errMissingTokenManager
	case deps.Passwords == nil:
		return nil, errMissingPasswords
	case deps.LoginLimiter == nil:
		return nil, errMissingLoginLimiter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	audit := deps.Audit
	if audit == nil {
		audit = logger
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		relay:         deps.Relay,
		streams:       deps.Streams,
		realtime:      deps.Realtime,
		admin:         deps.Admin,
		tokens:        deps.Tokens,
		passwords:     deps.Passwords,
		loginLimiter:  deps.LoginLimiter,
		whitelist:     deps.Whitelist,
		sockets:       deps.Sockets,
		metrics:       deps.Metrics,
		trustedHeader: deps.TrustedProxyHeader,
		heartbeat:     heartbeat,
		clock:         clock,
		logger:        logger,
		audit:         audit,
	}

	router.GET("/health", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	router.GET("/ws", handler.handleSocket)

	router.GET("/api/streams", handler.handleListStreams)
	router.GET("/api/streams/:id", handler.handleGetStream)
	router.GET("/api/streams/:id/events", handler.handleStreamEvents)

	router.POST("/api/admin/login", handler.handleLogin)
	router.POST("/api/admin/refresh", handler.handleRefresh)
	router.POST("/api/admin/logout", handler.handleLogout)

	protected := router.Group("/api/admin")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stats", handler.handleStats)
	protected.POST("/block", handler.handleKeyAction(admin.ActionBlock))
	protected.POST("/unblock", handler.handleKeyAction(admin.ActionUnblock))
	protected.POST("/clear", handler.handleKeyAction(admin.ActionClear))
	protected.POST("/delete", handler.handleKeyAction(admin.ActionDelete))

	return router, nil
}

type httpHandler struct {
	relay         SocketServer
	streams       StreamReader
	realtime      *StreamDispatcher
	admin         AdminService
	tokens        TokenManager
	passwords     PasswordChecker
	loginLimiter  LoginLimiter
	whitelist     LoginWhitelist
	sockets       SocketCounter
	metrics       *metrics.AdminMetrics
	trustedHeader string
	heartbeat     time.Duration
	clock         clockwork.Clock
	logger        *zap.Logger
	audit         *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			origins = nil
			break
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *httpHandler) clientIP(c *gin.Context) string {
	return access.ClientIP(c.Request, h.trustedHeader)
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	h.relay.ServeSocket(c.Writer, c.Request, h.clientIP(c))
}

type whitelistPayload struct {
	Enabled bool     `json:"enabled"`
	Entries []string `json:"entries"`
}

type healthPayload struct {
	Status      string           `json:"status"`
	ClientIP    string           `json:"clientIp"`
	Whitelist   whitelistPayload `json:"whitelist"`
	LiveSockets int64            `json:"liveSockets"`
	Timestamp   time.Time        `json:"timestamp"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	payload := healthPayload{
		Status:    "ok",
		ClientIP:  h.clientIP(c),
		Whitelist: whitelistPayload{Entries: []string{}},
		Timestamp: h.clock.Now().UTC(),
	}
	if h.whitelist != nil && h.whitelist.Enabled() {
		payload.Whitelist = whitelistPayload{Enabled: true, Entries: h.whitelist.Entries()}
	}
	if h.sockets != nil {
		payload.LiveSockets = h.sockets.Current()
	}
	c.JSON(http.StatusOK, payload)
}

// respondServiceError maps err to its status; server-side failures are logged and reported generically.
func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
		c.JSON(status, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(status, gin.H{"error": errorLabel(status)})
}

func errorLabel(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal_error"
	}
}
